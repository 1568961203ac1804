package remote

import (
	"path"
	"strings"
)

// ScriptInvocation describes how to run a configured script so that its
// relative-path assumptions hold: the command changes into WorkingDir and
// invokes the script by base name.
type ScriptInvocation struct {
	WorkingDir string
	Command    string
	ScriptName string
}

// ResolveScript derives the working directory and invocation command for a
// script path. Absolute paths run from their parent directory, relative
// paths with a directory prefix run from that prefix (a leading "./" is
// preserved), and bare filenames run from the host's current directory.
func ResolveScript(scriptPath string) ScriptInvocation {
	name := path.Base(scriptPath)

	var workingDir string
	switch {
	case path.IsAbs(scriptPath):
		workingDir = path.Dir(scriptPath)
	case strings.Contains(scriptPath, "/"):
		workingDir = scriptPath[:strings.LastIndex(scriptPath, "/")]
		if workingDir == "" {
			workingDir = "/"
		}
	default:
		workingDir = "."
	}

	return ScriptInvocation{
		WorkingDir: workingDir,
		Command:    "cd " + Quote(workingDir) + " && bash ./" + name,
		ScriptName: name,
	}
}
