package config

// S3Config ist die aufgelöste Sicht eines s3-Mirror-Ziels, wie sie der
// Client-Pool konsumiert. GetS3Config füllt sie aus einem OutputTarget,
// fehlendes ssl wird dort zu true.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
	SSL       bool   `yaml:"ssl"`
}
