// Kredo - Multi-touch attribution engine
// Track. Attribute. Commit.
package main

func main() {
	Execute()
}
