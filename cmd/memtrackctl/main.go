// Command memtrackctl exercises the memtrack allocation tracker.
package main

func main() {
	execute()
}
