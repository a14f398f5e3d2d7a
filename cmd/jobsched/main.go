// Command jobsched runs recurring jobs and lets operators inspect and trigger
// them.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
