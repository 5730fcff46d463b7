package server

import (
	"context"
	"fmt"
	"log"

	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
	"github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang/compiler"
	"github.com/PhucNguyen204/yara_simplifier/internal/rules"
)

// LoadRulesFromDir walks a directory recursively, compiles every .yar/.yara
// file into one rule set, simplifies it when enabled and swaps it in.
// Files that fail to read or compile, or that redefine a rule loaded from an
// earlier file, are skipped.
// Returns (loaded_count, skipped_count, error).
func (s *AppServer) LoadRulesFromDir(ctx context.Context, dir string) (int, int, error) {
	files, failed, err := rules.LoadDirRecursive(dir, s.cfg)
	if err != nil {
		return 0, len(failed), fmt.Errorf("walk dir: %w", err)
	}
	skipped := len(failed)
	for _, ferr := range failed {
		log.Printf("skip %v", ferr)
	}

	c := compiler.WithConfig(s.cfg)
	loaded := 0
	for _, sf := range files {
		if err := c.AddRuleFile(sf.File); err != nil {
			log.Printf("skip %s: %v", sf.Path, err)
			skipped++
			continue
		}
		loaded++
	}

	rs := c.IntoRuleFile().Rules
	st, err := s.activate(ctx, rs)
	if err != nil {
		return loaded, skipped, err
	}
	set, _ := s.current()
	pf := set.PrefilterStats()
	log.Printf("rules loaded: files=%d rules=%d folded=%d absorbed=%d identities=%d prefilter=%q effective=%v",
		loaded, set.Len(), st.ConstantsFolded, st.Absorbed, st.IdentitiesEliminated, pf.StrategyName(), pf.IsEffective())
	return loaded, skipped, nil
}

// UpsertRules writes or updates the active rules in the rules table.
func (s *AppServer) UpsertRules(ctx context.Context, rs []*ir.Rule) error {
	if s.db == nil {
		return nil
	}
	for _, r := range rs {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO rules(name, tags, condition, source)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (name) DO UPDATE SET tags=EXCLUDED.tags, condition=EXCLUDED.condition, source=EXCLUDED.source, updated_at=now()`,
			r.Name, joinTags(r.Tags), ir.Format(r.Condition), r.Text(),
		); err != nil {
			return err
		}
	}
	return nil
}
