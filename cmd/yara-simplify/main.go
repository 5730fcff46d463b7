package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
	"github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang/matcher"
	"github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang/simplify"
	"github.com/PhucNguyen204/yara_simplifier/internal/rules"
	"github.com/PhucNguyen204/yara_simplifier/internal/watch"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	config string
	verify string
	watch  bool
	stats  bool
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("yara-simplify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.config, "config", "", "engine config YAML")
	fs.StringVar(&opts.verify, "verify", "", "sample file to check original and simplified conditions against (implied on empty data by verify_equivalence)")
	fs.BoolVar(&opts.watch, "watch", false, "re-simplify rule files when they change")
	fs.BoolVar(&opts.stats, "stats", false, "print rewrite counters per rule")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: yara-simplify [flags] FILE|DIR...\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg := ir.DefaultEngineConfig()
	if opts.config != "" {
		c, err := ir.LoadConfigFile(opts.config)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		cfg = c
	}

	var sample []byte
	if opts.verify != "" {
		b, err := os.ReadFile(opts.verify)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		sample = b
	} else if cfg.VerifyEquivalence {
		// without a sample the rewrite is checked on empty data
		sample = []byte{}
	}

	files, err := rules.Expand(fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	p := &printer{out: stdout, errOut: stderr, cfg: cfg, sample: sample, stats: opts.stats}
	failed := false
	for _, f := range files {
		if !p.process(f) {
			failed = true
		}
	}

	if opts.watch {
		return p.watch(fs.Args())
	}
	if failed {
		return 1
	}
	return 0
}

type printer struct {
	out    io.Writer
	errOut io.Writer
	cfg    ir.EngineConfig
	sample []byte
	stats  bool
}

// process prints every rule of one file before and after simplification.
func (p *printer) process(path string) bool {
	src, err := rules.LoadFile(path, p.cfg)
	if err != nil {
		fmt.Fprintf(p.errOut, "error: %v\n", err)
		return false
	}
	ok := true
	simp := simplify.New()
	for _, rule := range src.File.Rules {
		fmt.Fprintf(p.out, "==== RULE: %s\n", rule.Name)
		fmt.Fprintln(p.out, "==== BEFORE")
		fmt.Fprintln(p.out, rule.Text())

		before := rule.Clone()
		var st simplify.Stats
		if p.cfg.EnableSimplify {
			st = simp.SimplifyRule(rule)
		}

		fmt.Fprintln(p.out, "==== AFTER")
		fmt.Fprintln(p.out, rule.Text())
		if p.stats {
			fmt.Fprintf(p.out, "==== STATS visited=%d folded=%d absorbed=%d identities=%d parens=%d\n",
				st.NodesVisited, st.ConstantsFolded, st.Absorbed, st.IdentitiesEliminated, st.ParensDropped)
		}
		if p.sample != nil && !p.verify(rule, before.Condition) {
			ok = false
		}
	}
	return ok
}

func (p *printer) verify(rule *ir.Rule, before ir.Expression) bool {
	c, err := matcher.Compile(rule)
	if err != nil {
		fmt.Fprintf(p.errOut, "verify %s: %v\n", rule.Name, err)
		return false
	}
	eq, err := matcher.Equivalent(before, rule.Condition, c.Scan(p.sample))
	if err != nil {
		fmt.Fprintf(p.errOut, "verify %s: %v\n", rule.Name, err)
		return false
	}
	if !eq {
		fmt.Fprintf(p.errOut, "verify %s: verdict changed by simplification\n", rule.Name)
		return false
	}
	fmt.Fprintf(p.out, "==== VERIFIED %s\n", rule.Name)
	return true
}

func (p *printer) watch(paths []string) int {
	w, err := watch.New(func(path string) { p.process(path) })
	if err != nil {
		fmt.Fprintf(p.errOut, "error: %v\n", err)
		return 1
	}
	if err := w.Add(paths...); err != nil {
		w.Close()
		fmt.Fprintf(p.errOut, "error: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Printf("watching %d path(s)", len(paths))
	if err := w.Run(ctx); err != nil {
		fmt.Fprintf(p.errOut, "error: %v\n", err)
		return 1
	}
	return 0
}
