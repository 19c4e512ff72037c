package main

import (
	"errors"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// The mirror report already named every failed path.
		if errors.Is(err, errMirrorIncomplete) {
			os.Exit(1)
		}

		exitOnError(err)
	}
}
