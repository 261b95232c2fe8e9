// Command encoder runs the HLS transcoding worker and its operator tools.
package main

func main() {
	Execute(RootCmd())
}
