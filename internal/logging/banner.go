package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	dim    = "\033[2m"
)

// Base Ansible ASCII art.
var logoLines = [6]string{
	`     _              _ _     _       `,
	`    / \   _ __  ___(_) |__ | | ___  `,
	`   / _ \ | '_ \/ __| | '_ \| |/ _ \ `,
	`  / ___ \| | | \__ \ | |_) | |  __/ `,
	` /_/   \_\_| |_|___/_|_.__/|_|\___| `,
	`                                    `,
}

// Tier-specific ASCII art (right-side, same height as logo).
var backboneArt = [6]string{
	`  ____             _    _                      `,
	` | __ )  __ _  ___| | _| |__   ___  _ __   ___ `,
	` |  _ \ / _` + "`" + ` |/ __| |/ / '_ \ / _ \| '_ \ / _ \`,
	` | |_) | (_| | (__|   <| |_) | (_) | | | |  __/`,
	` |____/ \__,_|\___|_|\_\_.__/ \___/|_| |_|\___|`,
	`                                                `,
}

var edgeArt = [6]string{
	`  _____    _            `,
	` | ____|__| | __ _  ___ `,
	` |  _| / _` + "`" + ` |/ _` + "`" + ` |/ _ \`,
	` | |__| (_| | (_| |  __/`,
	` |_____\__,_|\__, |\___|`,
	`             |___/      `,
}

// PrintBanner prints the Ansible ASCII art logo with tier-specific
// art appended to the right. Below the art it prints version, node id
// and listen address. Colors are used only when stderr is a TTY.
func PrintBanner(tier, ver, nodeID, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var tierArt *[6]string
	tierColor := yellow
	if tier == "backbone" {
		tierArt = &backboneArt
		tierColor = green
	} else {
		tierArt = &edgeArt
	}

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+tierColor, tierArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], tierArt[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %snode%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, nodeID, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   node %s   addr %s\n\n", ver, nodeID, addr)
	}
}
