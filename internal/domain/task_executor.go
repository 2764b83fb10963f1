package domain

import (
	"context"
	"path"
	"time"
)

// ScriptType is the file extension that selects a script engine.
type ScriptType string

const (
	ScriptTypeJavaScript ScriptType = ".js"
	ScriptTypeShell      ScriptType = ".sh"
	ScriptTypeHTTP       ScriptType = ".http"
)

// ScriptTypeOf returns the script type of a repository path.
func ScriptTypeOf(p string) ScriptType {
	return ScriptType(path.Ext(p))
}

// Script is a script loaded from the repository.
type Script struct {
	Path    string
	Content []byte
}

// ScriptOutput is what an engine reports for a run.
type ScriptOutput struct {
	Output string
	Result string
}

// ScriptEngine defines the interface for running a script.
// A non-nil error means the script failed; the output is still reported.
type ScriptEngine interface {
	Execute(ctx context.Context, script *Script) (ScriptOutput, error)
}

// ScriptInfo describes a node of the script repository.
type ScriptInfo struct {
	Path    string
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// ScriptRepository is the content tree scripts are read from.
// Paths are absolute and slash separated.
type ScriptRepository interface {
	Stat(p string) (ScriptInfo, error)
	// List returns the children of a folder sorted by name.
	List(dir string) ([]ScriptInfo, error)
	Read(p string) ([]byte, error)
}
