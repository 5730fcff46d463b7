package rules

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
	"github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang/compiler"
)

// SourceFile is one parsed rule file.
type SourceFile struct {
	Path string
	Text string
	File *ir.RuleFile
}

func IsRuleFile(p string) bool {
	l := strings.ToLower(p)
	return strings.HasSuffix(l, ".yar") || strings.HasSuffix(l, ".yara")
}

// LoadFile reads and parses a single rule file, honouring the nesting
// limit of cfg.
func LoadFile(path string, cfg ir.EngineConfig) (*SourceFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := compiler.WithConfig(cfg).Parse(string(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &SourceFile{Path: path, Text: string(b), File: f}, nil
}

// LoadDirRecursive parses every .yar/.yara file under root in walk order.
// Files that cannot be read or parsed are reported in the second result and
// do not stop the walk; the error result is for the walk itself.
func LoadDirRecursive(root string, cfg ir.EngineConfig) ([]*SourceFile, []error, error) {
	var out []*SourceFile
	var failed []error
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsRuleFile(p) {
			return nil
		}
		sf, err := LoadFile(p, cfg)
		if err != nil {
			failed = append(failed, err)
			return nil
		}
		out = append(out, sf)
		return nil
	})
	return out, failed, err
}

// Expand resolves command-line arguments into rule files: files are taken as
// given, directories are walked for .yar/.yara files.
func Expand(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		info, err := os.Stat(a)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, a)
			continue
		}
		err = filepath.WalkDir(a, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && IsRuleFile(p) {
				out = append(out, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
