// Command tokenctl signs in to an OpenID Connect authority and hands out
// access tokens from the shared credential cache.
package main

import "os"

// version can be set during build with -ldflags
var version = "dev"

func main() {
	rootCmd.Version = version
	os.Exit(execute())
}
