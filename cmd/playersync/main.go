// playersync keeps a user's client settings in step with the copy stored on
// their account, and lets administrators push settings to other users.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
