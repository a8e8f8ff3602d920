// Command amrctl is the operator CLI for the controller: one-shot commands
// for scripting and an interactive keyboard teleop.
package main

func main() {
	Execute()
}
