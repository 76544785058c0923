package main

import "github.com/rudransh-shrivastava/symmetry-node/internal/client/cmd"

func main() {
	cmd.Execute()
}
