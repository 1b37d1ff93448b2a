package main

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/enboxorg/gitd/cmd"
)

// when we use the argv[0] name to invoke a certain command, this function
// rewrites the os.Args slice so that it contains the correct command as if
// it were run from the command-line. For example, if this binary is invoked
// as 'git-credential-gitd' (installed as a git credential helper), we
// rewrite the command as if 'gitd credential ..' was given.
func rewriteArgvCmd(cmd string) {
	var args []string

	cmds := strings.SplitN(cmd, "-", -1)

	args = append(args, filepath.Join(filepath.Dir(os.Args[0]), "gitd"))
	args = append(args, cmds...)
	args = append(args, os.Args[1:]...)

	os.Args = args
}

func main() {
	root := cmd.RootCmd(nil)

	if path.Base(os.Args[0]) == "git-credential-gitd" {
		rewriteArgvCmd("credential")
	}

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
