// Command cadence runs CRM cadences and customer-success playbooks.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
