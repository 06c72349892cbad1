package script

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/dop251/goja"
)

// listScriptFiles returns the .js files directly under dir in lexicographic
// order, per spec §4.4's load-order rule. A missing directory is not an
// error: scripting is simply disabled.
func listScriptFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list script files: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".js" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// load evaluates every script file in dir against a fresh runtime and
// registry, in lexicographic order. A syntax or top-level runtime error in
// one file is logged and that file is skipped; the rest still load, since
// one broken script should not disable every other folder's automation.
func load(dir string, logFn func(file, msg string)) (*goja.Runtime, *registry, []string, error) {
	files, err := listScriptFiles(dir)
	if err != nil {
		return nil, nil, nil, err
	}

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	reg := newRegistry()

	var curFile string
	var curFileIdx int
	installGlobals(rt, reg, func() (string, int) { return curFile, curFileIdx }, logFn)

	var loaded []string
	for i, name := range files {
		src, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			slog.Warn("script file unreadable, skipping", "file", name, "error", err)
			continue
		}
		curFile = name
		curFileIdx = i
		if _, err := rt.RunScript(name, string(src)); err != nil {
			slog.Warn("script file failed to evaluate, skipping", "file", name, "error", err)
			continue
		}
		loaded = append(loaded, name)
	}

	reg.finalize()
	return rt, reg, loaded, nil
}
