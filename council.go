package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ModelGateway invokes external models. OpenRouterClient is the production gateway.
type ModelGateway interface {
	QueryModel(ctx context.Context, model string, messages []OpenRouterMessage, opts QueryOptions) (*OpenRouterResponse, error)
	QueryModelWithTools(ctx context.Context, model string, messages []OpenRouterMessage, opts QueryOptions, runner ToolRunner, maxIterations int) (*OpenRouterResponse, error)
}

// Council runs the three-stage deliberation over a model gateway.
type Council struct {
	gateway ModelGateway
	logger  *slog.Logger

	ModelTimeout time.Duration
	TitleTimeout time.Duration
}

// NewCouncil creates a council pipeline.
func NewCouncil(gateway ModelGateway, logger *slog.Logger) *Council {
	if logger == nil {
		logger = slog.Default()
	}
	return &Council{
		gateway:      gateway,
		logger:       logger,
		ModelTimeout: DefaultModelTimeout,
		TitleTimeout: DefaultTitleTimeout,
	}
}

// CouncilRequest is the user input of one pipeline run.
type CouncilRequest struct {
	Query         string
	History       []Message
	Annotations   []string
	MemoryContext string
}

// CouncilRun carries everything one pipeline run owns. Nothing in it is
// shared with another run.
type CouncilRun struct {
	Config  ProjectConfig
	Request CouncilRequest

	// Tools is nil when tool use is disabled for the run
	Tools  *ToolExecutor
	Ledger *UsageLedger
	Events *Emitter
}

// CouncilResult is the output of all three stages.
type CouncilResult struct {
	Stage1   []Stage1Response
	Stage2   []Stage2Ranking
	Stage3   Stage3Response
	Metadata Metadata
}

// Run executes Stage 1, Stage 2 and Stage 3 in order, emitting a start and a
// complete event around each stage. Individual member failures are absorbed
// into placeholder entries; an error is only returned when the run cannot
// start at all.
func (c *Council) Run(ctx context.Context, run *CouncilRun) (*CouncilResult, error) {
	if len(run.Config.CouncilMembers) == 0 {
		return nil, fmt.Errorf("no council members configured")
	}
	if run.Ledger == nil {
		run.Ledger = NewUsageLedger(nil, c.logger)
	}

	start := time.Now()

	// Stage 1: Collect responses
	run.Events.Emit(ctx, Event{Type: EventStage1Start})
	stage1 := c.Stage1CollectResponses(ctx, run)
	run.Events.Emit(ctx, Event{Type: EventStage1Complete, Data: stage1})

	// Stage 2: Collect rankings
	run.Events.Emit(ctx, Event{Type: EventStage2Start})
	stage2, labels := c.Stage2CollectRankings(ctx, run, stage1)
	metadata := Metadata{
		LabelToMember:     labels.ToMap(),
		AggregateRankings: CalculateAggregateRankings(stage2, labels),
	}
	run.Events.Emit(ctx, Event{Type: EventStage2Complete, Data: stage2, Metadata: metadata})

	// Stage 3: Synthesize final answer
	run.Events.Emit(ctx, Event{Type: EventStage3Start})
	stage3 := c.Stage3SynthesizeFinal(ctx, run, stage1, stage2, metadata.AggregateRankings)
	run.Events.Emit(ctx, Event{Type: EventStage3Complete, Data: stage3})

	c.logger.Info("council run finished",
		"members", len(run.Config.CouncilMembers),
		"failed_members", countFailed(stage1),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &CouncilResult{
		Stage1:   stage1,
		Stage2:   stage2,
		Stage3:   stage3,
		Metadata: metadata,
	}, nil
}

// Stage1CollectResponses asks every council member concurrently and waits for
// all of them. The result has one entry per member in declaration order;
// failed members carry placeholder content and Failed set.
func (c *Council) Stage1CollectResponses(ctx context.Context, run *CouncilRun) []Stage1Response {
	req := run.Request
	messages := buildHistoryMessages(req.History, run.Config.MemorySettings.MaxHistoryMessages)
	messages = append(messages, OpenRouterMessage{
		Role:    "user",
		Content: withAnnotations(req.Query, req.Annotations),
	})

	useTools := run.Tools != nil && run.Config.Tools.Enabled
	var toolDefs []ToolDefinition
	if useTools {
		toolDefs = run.Tools.Definitions()
	}

	results := QueryMembersParallel(ctx, run.Config.CouncilMembers, func(ctx context.Context, member CouncilMember) (*OpenRouterResponse, error) {
		opts := QueryOptions{
			SystemPrompt: joinPrompts(member.SystemPrompt, req.MemoryContext),
			Timeout:      c.ModelTimeout,
		}
		if useTools {
			opts.Tools = toolDefs
			return c.gateway.QueryModelWithTools(ctx, member.Model, messages, opts, run.Tools, run.Config.Tools.MaxIterations)
		}
		return c.gateway.QueryModel(ctx, member.Model, messages, opts)
	})

	stage1 := make([]Stage1Response, 0, len(results))
	for _, r := range results {
		entry := Stage1Response{
			MemberID: r.Member.ID,
			Name:     r.Member.DisplayName(),
			Model:    r.Member.Model,
		}
		if r.Err != nil {
			c.logger.Warn("council member failed", "stage", StageOne, "member", r.Member.ID, "model", r.Member.Model, "error", r.Err)
			entry.Failed = true
			entry.Error = r.Err.Error()
			entry.Response = fmt.Sprintf("[%s did not respond; this answer is unavailable]", entry.Name)
			// Rounds of a tool loop that succeeded before the failure were billed
			if r.Response != nil {
				entry.Usage = r.Response.Usage
				entry.LatencyMS = r.Response.LatencyMS
				entry.ToolUsed = r.Response.ToolUsed
				entry.ToolCalls = r.Response.ToolTrace
				recordStage1Usage(run.Ledger, r.Member, entry)
			}
			stage1 = append(stage1, entry)
			continue
		}

		entry.Response = r.Response.Content
		entry.Reasoning = r.Response.ReasoningDetails
		entry.Usage = r.Response.Usage
		entry.LatencyMS = r.Response.LatencyMS
		entry.ToolUsed = r.Response.ToolUsed
		entry.ToolCalls = r.Response.ToolTrace
		stage1 = append(stage1, entry)
		recordStage1Usage(run.Ledger, r.Member, entry)
	}
	return stage1
}

func recordStage1Usage(ledger *UsageLedger, member CouncilMember, entry Stage1Response) {
	toolName := ""
	if len(entry.ToolCalls) > 0 {
		toolName = entry.ToolCalls[0].Name
	}
	ledger.Record(member.Model, StageOne, member.ID, entry.Usage, entry.LatencyMS, entry.ToolUsed, toolName)
}

// Stage2CollectRankings asks every member to rank the anonymized Stage 1
// answers. Only answers that did not fail are labeled. Every member ranks
// every labeled answer, including its own, and is never told which label
// is its own.
func (c *Council) Stage2CollectRankings(ctx context.Context, run *CouncilRun, stage1 []Stage1Response) ([]Stage2Ranking, *LabelMap) {
	labels := NewLabelMap(stage1)
	stage2 := make([]Stage2Ranking, 0, len(run.Config.CouncilMembers))
	if labels.Len() == 0 {
		c.logger.Warn("no stage 1 answers to rank, skipping stage 2")
		return stage2, labels
	}

	rankingPrompt := buildRankingPrompt(run.Request.Query, labels, stage1)
	messages := []OpenRouterMessage{
		{Role: "user", Content: rankingPrompt},
	}

	results := QueryMembersParallel(ctx, run.Config.CouncilMembers, func(ctx context.Context, member CouncilMember) (*OpenRouterResponse, error) {
		return c.gateway.QueryModel(ctx, member.Model, messages, QueryOptions{Timeout: c.ModelTimeout})
	})

	for _, r := range results {
		entry := Stage2Ranking{
			MemberID:      r.Member.ID,
			Name:          r.Member.DisplayName(),
			Model:         r.Member.Model,
			ParsedRanking: []string{},
		}
		if r.Err != nil {
			c.logger.Warn("council member failed", "stage", StageTwo, "member", r.Member.ID, "model", r.Member.Model, "error", r.Err)
			entry.Failed = true
			entry.Ranking = fmt.Sprintf("[%s did not submit a ranking]", entry.Name)
			stage2 = append(stage2, entry)
			continue
		}

		entry.Ranking = r.Response.Content
		entry.ParsedRanking = ParseRankingFromText(r.Response.Content)
		entry.Usage = r.Response.Usage
		entry.LatencyMS = r.Response.LatencyMS
		stage2 = append(stage2, entry)

		run.Ledger.Record(r.Member.Model, StageTwo, r.Member.ID, entry.Usage, entry.LatencyMS, false, "")
	}
	return stage2, labels
}

// Stage3SynthesizeFinal asks the chairman for the final answer. A chairman
// failure yields a placeholder response with Failed set.
func (c *Council) Stage3SynthesizeFinal(ctx context.Context, run *CouncilRun, stage1 []Stage1Response, stage2 []Stage2Ranking, aggregate []AggregateRanking) Stage3Response {
	chairman := run.Config.Chairman
	result := Stage3Response{
		MemberID: chairman.ID,
		Name:     chairman.DisplayName(),
		Model:    chairman.Model,
	}

	messages := []OpenRouterMessage{
		{Role: "user", Content: buildChairmanPrompt(run.Request.Query, stage1, stage2, aggregate)},
	}
	response, err := c.gateway.QueryModel(ctx, chairman.Model, messages, QueryOptions{
		SystemPrompt: chairman.SystemPrompt,
		Timeout:      c.ModelTimeout,
	})
	if err != nil {
		c.logger.Error("chairman failed", "model", chairman.Model, "error", err)
		result.Failed = true
		result.Response = "Error: Unable to generate final synthesis."
		return result
	}

	result.Response = response.Content
	result.Usage = response.Usage
	result.LatencyMS = response.LatencyMS
	run.Ledger.Record(chairman.Model, StageThree, chairman.ID, result.Usage, result.LatencyMS, false, "")
	return result
}

// GenerateConversationTitle generates a short title for a conversation
// using model. Returns the generated title or an error if generation fails.
func (c *Council) GenerateConversationTitle(ctx context.Context, model, userQuery string, ledger *UsageLedger) (string, error) {
	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	messages := []OpenRouterMessage{
		{Role: "user", Content: titlePrompt},
	}

	response, err := c.gateway.QueryModel(ctx, model, messages, QueryOptions{Timeout: c.TitleTimeout})
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}
	if ledger != nil {
		ledger.Record(model, StageTitle, "title", response.Usage, response.LatencyMS, false, "")
	}

	title := cleanTitle(response.Content)
	if title == "" {
		return "", fmt.Errorf("title generation returned no text")
	}
	return title, nil
}

// cleanTitle strips quotes and truncates to 50 characters.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, "\"'")
	title = strings.TrimSpace(title)

	if runes := []rune(title); len(runes) > 50 {
		title = string(runes[:47]) + "..."
	}
	return title
}

// buildHistoryMessages turns stored turns into model messages, keeping the
// last max of them. Assistant turns contribute their final synthesis.
func buildHistoryMessages(history []Message, max int) []OpenRouterMessage {
	messages := make([]OpenRouterMessage, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case "user":
			if m.Content != "" {
				messages = append(messages, OpenRouterMessage{Role: "user", Content: m.Content})
			}
		case "assistant":
			if m.Stage3 != nil && m.Stage3.Response != "" && !m.Stage3.Failed {
				messages = append(messages, OpenRouterMessage{Role: "assistant", Content: m.Stage3.Response})
			}
		}
	}
	if max > 0 && len(messages) > max {
		messages = messages[len(messages)-max:]
	}
	return messages
}

func withAnnotations(query string, annotations []string) string {
	var notes []string
	for _, a := range annotations {
		if a = strings.TrimSpace(a); a != "" {
			notes = append(notes, "- "+a)
		}
	}
	if len(notes) == 0 {
		return query
	}
	return query + "\n\nUser annotations:\n" + strings.Join(notes, "\n")
}

func joinPrompts(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func buildRankingPrompt(userQuery string, labels *LabelMap, stage1 []Stage1Response) string {
	var responsesText strings.Builder
	for _, entry := range stage1 {
		label, ok := labels.LabelFor(entry.MemberID)
		if !ok {
			continue
		}
		fmt.Fprintf(&responsesText, "%s:\n%s\n\n", label, entry.Response)
	}

	return fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, userQuery, responsesText.String())
}

func buildChairmanPrompt(userQuery string, stage1 []Stage1Response, stage2 []Stage2Ranking, aggregate []AggregateRanking) string {
	var stage1Text strings.Builder
	for _, result := range stage1 {
		if result.Failed {
			continue
		}
		fmt.Fprintf(&stage1Text, "Model: %s (%s)\nResponse: %s\n\n", result.Name, result.Model, result.Response)
	}
	if stage1Text.Len() == 0 {
		stage1Text.WriteString("(No council member produced an answer. Answer the question yourself.)\n\n")
	}

	var stage2Text strings.Builder
	for _, result := range stage2 {
		if result.Failed {
			continue
		}
		fmt.Fprintf(&stage2Text, "Model: %s\nRanking: %s\n\n", result.Name, result.Ranking)
	}
	if len(aggregate) > 0 {
		stage2Text.WriteString("Aggregate ranking (Borda score, higher is better):\n")
		for _, a := range aggregate {
			fmt.Fprintf(&stage2Text, "- %s: %d points over %d rankings\n", a.Name, a.BordaScore, a.RankingsCount)
		}
	}
	if stage2Text.Len() == 0 {
		stage2Text.WriteString("(No peer rankings are available.)\n")
	}

	return fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`, userQuery, stage1Text.String(), stage2Text.String())
}

func countFailed(stage1 []Stage1Response) int {
	n := 0
	for _, r := range stage1 {
		if r.Failed {
			n++
		}
	}
	return n
}

// LabeledMember is one anonymized Stage 1 answer.
type LabeledMember struct {
	Label    string
	MemberID string
	Name     string
	Model    string
}

// LabelMap is the bidirectional mapping between anonymized labels and member
// ids of one run. Labels are assigned by position among the answers that did
// not fail: "Response A", "Response B", ... "Response Z", "Response AA", ...
type LabelMap struct {
	entries  []LabeledMember
	byLabel  map[string]int
	byMember map[string]int
}

// NewLabelMap labels every non-failed Stage 1 answer.
func NewLabelMap(stage1 []Stage1Response) *LabelMap {
	m := &LabelMap{
		byLabel:  make(map[string]int),
		byMember: make(map[string]int),
	}
	for _, r := range stage1 {
		if r.Failed {
			continue
		}
		if _, dup := m.byMember[r.MemberID]; dup {
			continue
		}
		entry := LabeledMember{
			Label:    ResponseLabel(len(m.entries)),
			MemberID: r.MemberID,
			Name:     r.Name,
			Model:    r.Model,
		}
		m.byLabel[entry.Label] = len(m.entries)
		m.byMember[entry.MemberID] = len(m.entries)
		m.entries = append(m.entries, entry)
	}
	return m
}

// ResponseLabel returns the label for the i-th (0-based) answer.
func ResponseLabel(i int) string {
	letters := ""
	for n := i; ; n = n/26 - 1 {
		letters = string(rune('A'+n%26)) + letters
		if n < 26 {
			break
		}
	}
	return "Response " + letters
}

// Len returns the number of labeled answers.
func (m *LabelMap) Len() int { return len(m.entries) }

// Entries returns the labeled answers in label order.
func (m *LabelMap) Entries() []LabeledMember {
	return append([]LabeledMember(nil), m.entries...)
}

// MemberFor resolves a label to its member.
func (m *LabelMap) MemberFor(label string) (LabeledMember, bool) {
	i, ok := m.byLabel[label]
	if !ok {
		return LabeledMember{}, false
	}
	return m.entries[i], true
}

// LabelFor returns the label assigned to a member.
func (m *LabelMap) LabelFor(memberID string) (string, bool) {
	i, ok := m.byMember[memberID]
	if !ok {
		return "", false
	}
	return m.entries[i].Label, true
}

// ToMap returns label → member id.
func (m *LabelMap) ToMap() map[string]string {
	out := make(map[string]string, len(m.entries))
	for _, e := range m.entries {
		out[e.Label] = e.MemberID
	}
	return out
}

var (
	rankingLabelPattern   = regexp.MustCompile(`Response [A-Z]+\b`)
	numberedRankPattern   = regexp.MustCompile(`\d+\.\s*Response [A-Z]+\b`)
	finalRankingSeparator = "FINAL RANKING:"
)

// ParseRankingFromText extracts the ranking from a model's response text.
// Looks for a "FINAL RANKING:" section and parses numbered responses (e.g., "1. Response A").
// Falls back to extracting any "Response X" patterns found in the text.
func ParseRankingFromText(rankingText string) []string {
	if idx := strings.Index(rankingText, finalRankingSeparator); idx >= 0 {
		rankingSection := rankingText[idx+len(finalRankingSeparator):]

		// Try to extract numbered list format (e.g., "1. Response A")
		if numbered := numberedRankPattern.FindAllString(rankingSection, -1); len(numbered) > 0 {
			results := make([]string, 0, len(numbered))
			for _, match := range numbered {
				if resp := rankingLabelPattern.FindString(match); resp != "" {
					results = append(results, resp)
				}
			}
			return results
		}

		// Fallback: Extract all "Response X" patterns in order
		if matches := rankingLabelPattern.FindAllString(rankingSection, -1); len(matches) > 0 {
			return matches
		}
	}

	// Fallback: try to find any "Response X" patterns in order
	matches := rankingLabelPattern.FindAllString(rankingText, -1)
	if matches == nil {
		return []string{}
	}
	return matches
}

// CalculateAggregateRankings scores every labeled member with a Borda count
// over the parsed rankings. With N labeled answers, a rank-r mention scores
// N-r points. Unknown labels and repeated labels within one ranking are
// dropped before positions are assigned, and failed rankings are skipped.
// Every labeled member gets exactly one entry. Entries are sorted by Borda
// score (higher first), then average rank (lower first), then label.
func CalculateAggregateRankings(stage2 []Stage2Ranking, labels *LabelMap) []AggregateRanking {
	n := labels.Len()
	scores := make(map[string]int, n)
	positions := make(map[string][]int, n)

	for _, ranking := range stage2 {
		if ranking.Failed {
			continue
		}
		seen := make(map[string]bool, n)
		rank := 0
		for _, label := range ranking.ParsedRanking {
			member, ok := labels.MemberFor(label)
			if !ok || seen[label] {
				continue
			}
			seen[label] = true
			rank++
			scores[member.MemberID] += n - rank
			positions[member.MemberID] = append(positions[member.MemberID], rank)
		}
	}

	aggregate := make([]AggregateRanking, 0, n)
	for _, e := range labels.Entries() {
		entry := AggregateRanking{
			MemberID:      e.MemberID,
			Name:          e.Name,
			Model:         e.Model,
			Label:         e.Label,
			BordaScore:    scores[e.MemberID],
			RankingsCount: len(positions[e.MemberID]),
		}
		if entry.RankingsCount > 0 {
			sum := 0
			for _, p := range positions[e.MemberID] {
				sum += p
			}
			entry.AverageRank = math.Round(float64(sum)/float64(entry.RankingsCount)*100) / 100
		}
		aggregate = append(aggregate, entry)
	}

	sort.SliceStable(aggregate, func(i, j int) bool {
		a, b := aggregate[i], aggregate[j]
		if a.BordaScore != b.BordaScore {
			return a.BordaScore > b.BordaScore
		}
		ar, br := sortableRank(a), sortableRank(b)
		if ar != br {
			return ar < br
		}
		return labelLess(a.Label, b.Label)
	})
	return aggregate
}

func sortableRank(a AggregateRanking) float64 {
	if a.RankingsCount == 0 {
		return math.Inf(1)
	}
	return a.AverageRank
}

// labelLess orders "Response Z" before "Response AA".
func labelLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
