package server

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
	"github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang/compiler"
	"github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang/matcher"
	"github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang/simplify"
)

type AppServer struct {
	db  *sql.DB
	cfg ir.EngineConfig

	mu    sync.RWMutex // protects set and rules swap
	set   *matcher.RuleSet
	rules []*ir.Rule

	statsMu    sync.Mutex
	totals     simplify.Stats
	simplified int
	scans      int
	detections int
}

// NewAppServer starts with an empty rule set; db may be nil to disable persistence.
func NewAppServer(db *sql.DB, cfg ir.EngineConfig) *AppServer {
	set, _ := matcher.NewRuleSet(nil, cfg)
	return &AppServer{db: db, cfg: cfg, set: set}
}

// RegisterRoutes wires HTTP handlers.
func (s *AppServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/simplify", s.handleSimplify)
	mux.HandleFunc("/api/v1/rules", s.handleRules)
	mux.HandleFunc("/api/v1/scan", s.handleScan)
	mux.HandleFunc("/api/v1/scan/batch", s.handleScanBatch)
	mux.HandleFunc("/api/v1/detections", s.handleListDetections)
}

func (s *AppServer) current() (*matcher.RuleSet, []*ir.Rule) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set, s.rules
}

func (s *AppServer) swap(set *matcher.RuleSet, rules []*ir.Rule) {
	s.mu.Lock()
	s.set, s.rules = set, rules
	s.mu.Unlock()
}

// activate simplifies rules when enabled, compiles them and swaps them in.
func (s *AppServer) activate(ctx context.Context, rules []*ir.Rule) (simplify.Stats, error) {
	var st simplify.Stats
	if s.cfg.EnableSimplify {
		simp := simplify.New()
		for _, r := range rules {
			st.Add(simp.SimplifyRule(r))
		}
	}
	set, err := matcher.NewRuleSet(rules, s.cfg)
	if err != nil {
		return st, err
	}
	if err := s.UpsertRules(ctx, rules); err != nil {
		return st, fmt.Errorf("upsert rules: %w", err)
	}
	s.swap(set, rules)
	s.recordSimplify(st, len(rules))
	return st, nil
}

func (s *AppServer) recordSimplify(st simplify.Stats, rules int) {
	s.statsMu.Lock()
	s.totals.Add(st)
	s.simplified += rules
	s.statsMu.Unlock()
}

// ---- Handlers ----

func (s *AppServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *AppServer) handleStats(w http.ResponseWriter, r *http.Request) {
	type statsResp struct {
		RuleCount          int            `json:"rule_count"`
		PrefilterPatterns  int            `json:"prefilter_patterns"`
		PrefilterStrategy  string         `json:"prefilter_strategy"`
		PrefilterEffective bool           `json:"prefilter_effective"`
		SimplifiedRules    int            `json:"simplified_rules"`
		Simplification     simplify.Stats `json:"simplification"`
		Scans              int            `json:"scans"`
		Detections         int            `json:"detections"`
	}
	set, _ := s.current()
	pf := set.PrefilterStats()
	s.statsMu.Lock()
	resp := statsResp{
		RuleCount:          set.Len(),
		PrefilterPatterns:  pf.PatternCount,
		PrefilterStrategy:  pf.StrategyName(),
		PrefilterEffective: pf.IsEffective(),
		SimplifiedRules:    s.simplified,
		Simplification:     s.totals,
		Scans:              s.scans,
		Detections:         s.detections,
	}
	s.statsMu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

type simplifyResult struct {
	Name       string         `json:"name"`
	Before     string         `json:"before"`
	After      string         `json:"after"`
	Stats      simplify.Stats `json:"stats"`
	Equivalent *bool          `json:"equivalent,omitempty"`
	VerifyErr  string         `json:"verify_error,omitempty"`
}

// handleSimplify simplifies the conditions of a rule file without activating it.
// POST body: { "source": "rule ...", "sample": "<base64>" }
func (s *AppServer) handleSimplify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Source string `json:"source"`
		Sample []byte `json:"sample"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	rules, err := compiler.WithConfig(s.cfg).CompileSource(req.Source)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	simp := simplify.New()
	out := make([]simplifyResult, 0, len(rules))
	var total simplify.Stats
	for _, rule := range rules {
		res := simplifyResult{Name: rule.Name, Before: ir.Format(rule.Condition)}
		original := rule.Clone()
		res.Stats = simp.SimplifyRule(rule)
		res.After = ir.Format(rule.Condition)
		total.Add(res.Stats)

		if s.cfg.VerifyEquivalence && req.Sample != nil {
			if eq, err := verify(rule, original.Condition, req.Sample); err != nil {
				res.VerifyErr = err.Error()
			} else {
				res.Equivalent = &eq
			}
		}
		if err := s.insertSimplification(r.Context(), res); err != nil {
			log.Printf("persist simplification %s: %v", rule.Name, err)
		}
		out = append(out, res)
	}
	s.recordSimplify(total, len(rules))
	writeJSON(w, http.StatusOK, map[string]any{"rules": out, "stats": total})
}

func verify(rule *ir.Rule, original ir.Expression, sample []byte) (bool, error) {
	c, err := matcher.Compile(rule)
	if err != nil {
		return false, err
	}
	return matcher.Equivalent(original, rule.Condition, c.Scan(sample))
}

// handleRules supports GET (list active rules) and POST (replace rules).
// POST body: { "sources": ["rule ...", "rule ..."] }
func (s *AppServer) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		type ruleInfo struct {
			Name      string   `json:"name"`
			Tags      []string `json:"tags,omitempty"`
			Private   bool     `json:"private,omitempty"`
			Global    bool     `json:"global,omitempty"`
			Strings   int      `json:"strings"`
			Condition string   `json:"condition"`
		}
		_, rules := s.current()
		out := make([]ruleInfo, 0, len(rules))
		for _, rule := range rules {
			out = append(out, ruleInfo{
				Name: rule.Name, Tags: rule.Tags, Private: rule.Private, Global: rule.Global,
				Strings: len(rule.Strings), Condition: ir.Format(rule.Condition),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "rules": out})
		return
	case http.MethodPost:
		var req struct {
			Sources []string `json:"sources"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		comp := compiler.WithConfig(s.cfg)
		for i, src := range req.Sources {
			if _, err := comp.CompileSource(src); err != nil {
				writeErr(w, http.StatusBadRequest, fmt.Errorf("source %d: %w", i, err))
				return
			}
		}
		rules := comp.IntoRuleFile().Rules
		st, err := s.activate(r.Context(), rules)
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, matcher.ErrUnsupported) {
				code = http.StatusBadRequest
			}
			writeErr(w, code, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rules": len(rules), "stats": st})
		return
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
}

// handleScan matches a sample against the active rules.
// POST body: { "name": "sample.bin", "data": "<base64>" }
func (s *AppServer) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name string `json:"name"`
		Data []byte `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	set, _ := s.current()
	out, err := set.Scan(req.Data)
	if errors.Is(err, matcher.ErrTooLarge) {
		writeErr(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if err != nil {
		log.Printf("scan %q: %v", req.Name, err)
	}

	sum := sha256.Sum256(req.Data)
	digest := hex.EncodeToString(sum[:])
	if len(out.Matched) > 0 {
		log.Printf("ALERT sample=%q sha256=%s rules=%v", req.Name, digest, out.Matched)
	}
	for _, name := range out.Matched {
		if err := s.insertDetection(r.Context(), name, req.Name, len(req.Data), digest); err != nil {
			log.Printf("persist detection %s: %v", name, err)
		}
	}
	s.statsMu.Lock()
	s.scans++
	s.detections += len(out.Matched)
	s.statsMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"sha256":        digest,
		"matched":       nonNil(out.Matched),
		"skipped":       out.Skipped,
		"prefilter_hit": out.PrefilterHit,
	})
}

// handleScanBatch scans several samples concurrently.
// POST body: { "samples": [{ "name": "a.bin", "data": "<base64>" }] }
func (s *AppServer) handleScanBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Samples []matcher.Sample `json:"samples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	set, _ := s.current()
	res := matcher.NewBatchProcessor(set).ProcessBatch(req.Samples)

	digests := make([]string, len(req.Samples))
	for i, smp := range req.Samples {
		sum := sha256.Sum256(smp.Data)
		digests[i] = hex.EncodeToString(sum[:])
	}
	hits := len(res.Hits)
	for _, h := range res.Hits {
		size := len(req.Samples[h.Index].Data)
		if err := s.insertDetection(r.Context(), h.Rule, h.Sample, size, digests[h.Index]); err != nil {
			log.Printf("persist detection %s: %v", h.Rule, err)
		}
	}
	if hits > 0 {
		log.Printf("ALERT batch samples=%d detections=%d", res.ProcessedSamples, hits)
	}
	s.statsMu.Lock()
	s.scans += res.ProcessedSamples
	s.detections += hits
	s.statsMu.Unlock()

	writeJSON(w, http.StatusOK, res)
}

func (s *AppServer) handleListDetections(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	rows, err := s.db.QueryContext(r.Context(), `SELECT id, occurred_at, rule_name, sample_name, sample_size, sha256 FROM detections ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer rows.Close()
	type det struct {
		ID         int64     `json:"id"`
		OccurredAt time.Time `json:"occurred_at"`
		RuleName   string    `json:"rule_name"`
		SampleName string    `json:"sample_name"`
		SampleSize int64     `json:"sample_size"`
		SHA256     string    `json:"sha256"`
	}
	out := []det{}
	for rows.Next() {
		var d det
		if err := rows.Scan(&d.ID, &d.OccurredAt, &d.RuleName, &d.SampleName, &d.SampleSize, &d.SHA256); err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- Persistence ----

func (s *AppServer) InitSchema() error {
	// Use MIGRATIONS_PATH if provided, otherwise try common defaults
	candidates := []string{}
	if mp := os.Getenv("MIGRATIONS_PATH"); mp != "" {
		candidates = append(candidates, mp)
	}
	candidates = append(candidates, "./migrations", "/srv/migrations")
	var lastErr error
	for _, p := range candidates {
		if _, statErr := os.Stat(p); statErr != nil {
			lastErr = statErr
			continue
		}
		if err := s.RunMigrations(p); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("init schema: no usable migrations path; last error: %v", lastErr)
}

func (s *AppServer) insertSimplification(ctx context.Context, res simplifyResult) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO simplifications(created_at, rule_name, before_text, after_text, nodes_visited, changed) VALUES ($1,$2,$3,$4,$5,$6)`,
		time.Now().UTC(), res.Name, res.Before, res.After, res.Stats.NodesVisited, res.Stats.Changed())
	return err
}

func (s *AppServer) insertDetection(ctx context.Context, ruleName, sampleName string, size int, digest string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO detections(occurred_at, rule_name, sample_name, sample_size, sha256) VALUES ($1,$2,$3,$4,$5)`,
		time.Now().UTC(), ruleName, sampleName, size, digest)
	return err
}

// ---- Helpers ----

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func joinTags(tags []string) string { return strings.Join(tags, " ") }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON error: %v", err)
	}
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
