// ccbridge mirrors CLI coding sessions into Telegram forum topics and
// injects chat replies back into their tmux panes.
package main

import (
	"os"

	"github.com/xcawolfe-amzn/ccbridge/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
