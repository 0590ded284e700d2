// Command memctl boots the memory manager for a target profile and inspects
// or exercises it.
package main

func main() {
	execute()
}
