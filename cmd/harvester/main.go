// Command harvester collects race results from the configured sources.
package main

import "github.com/JakeFAU/race-results-harvester/cmd"

func main() {
	cmd.Execute()
}
