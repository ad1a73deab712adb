// Package command contains the set of Quarryfile instructions.
package command

// Instruction keywords, stored lowercase as the parser normalizes them.
const (
	Add        = "add"
	Cmd        = "cmd"
	Copy       = "copy"
	Entrypoint = "entrypoint"
	Env        = "env"
	Expose     = "expose"
	From       = "from"
	Label      = "label"
	Maintainer = "maintainer"
	Onbuild    = "onbuild"
	Run        = "run"
	User       = "user"
	Volume     = "volume"
	Workdir    = "workdir"
)

// Commands is the set of all Quarryfile instructions.
var Commands = map[string]struct{}{
	Add:        {},
	Cmd:        {},
	Copy:       {},
	Entrypoint: {},
	Env:        {},
	Expose:     {},
	From:       {},
	Label:      {},
	Maintainer: {},
	Onbuild:    {},
	Run:        {},
	User:       {},
	Volume:     {},
	Workdir:    {},
}
