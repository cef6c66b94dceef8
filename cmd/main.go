// Command load-engine runs virtual-user load tests against HTTP APIs.
package main

import "os"

func main() {
	os.Exit(Execute())
}
