package main

import "github.com/huhridge/listenbrainz-server/cmd"

func main() {
	cmd.Execute()
}
