package intel

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/events"
	"github.com/sells-group/visibility-cli/internal/metrics"
)

// trendWindow is the number of points in each half of a trend comparison.
const trendWindow = 7

// Level grades a threat or a displacement risk.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Direction labels a trend.
type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

// DirectionOf returns the direction of a signed trend percentage.
func DirectionOf(trend int) Direction {
	switch {
	case trend > 0:
		return DirectionUp
	case trend < 0:
		return DirectionDown
	default:
		return DirectionStable
	}
}

// PositionEntry is one domain's place in the market ranking.
type PositionEntry struct {
	Domain      string    `json:"domain"`
	MarketShare float64   `json:"market_share"`
	Position    int       `json:"position"`
	Trend       int       `json:"trend"`
	Direction   Direction `json:"direction"`
	ThreatLevel Level     `json:"threat_level,omitempty"`
}

// MarketPosition ranks an entity against its competitors by market share.
type MarketPosition struct {
	Entity       PositionEntry   `json:"entity"`
	Competitors  []PositionEntry `json:"competitors"`
	MarketTotal  float64         `json:"market_total"`
	MarketGrowth int             `json:"market_growth"`
}

// VoiceEntry is one domain's share of all mentions.
type VoiceEntry struct {
	Domain        string  `json:"domain"`
	TotalMentions int     `json:"total_mentions"`
	ShareOfVoice  float64 `json:"share_of_voice"`
	Trend         int     `json:"trend"`
	GrowthRate    int     `json:"growth_rate"`
}

// ShareOfVoice splits the market's mentions between entity and competitors.
type ShareOfVoice struct {
	Entity        VoiceEntry   `json:"entity"`
	Competitors   []VoiceEntry `json:"competitors"`
	TotalMentions int          `json:"total_mentions"`
	MarketGrowth  int          `json:"market_growth"`
}

// RiskFactor is one contributor to a displacement risk.
type RiskFactor struct {
	Factor      string `json:"factor"`
	Impact      int    `json:"impact"`
	Description string `json:"description"`
}

// DisplacementRisk estimates how likely a domain is to lose its AI
// visibility to competitors.
type DisplacementRisk struct {
	Domain             string       `json:"domain"`
	Level              Level        `json:"level"`
	Score              int          `json:"score"`
	Factors            []RiskFactor `json:"factors"`
	Recommendations    []string     `json:"recommendations"`
	DaysToDisplacement int          `json:"days_to_displacement"`
}

// CompetitiveIntelligence is the full report for one entity.
type CompetitiveIntelligence struct {
	Domain              string             `json:"domain"`
	GeneratedAt         time.Time          `json:"generated_at"`
	MarketPosition      MarketPosition     `json:"market_position"`
	DisplacementRisks   []DisplacementRisk `json:"displacement_risks"`
	ShareOfVoice        ShareOfVoice       `json:"share_of_voice"`
	CompetitiveGap      int                `json:"competitive_gap"`
	MarketOpportunities []string           `json:"market_opportunities"`
	Threats             []string           `json:"threats"`
}

// Summary condenses the report into headline numbers.
type Summary struct {
	MarketShare            float64 `json:"market_share"`
	CompetitiveGap         int     `json:"competitive_gap"`
	DisplacementRisk       int     `json:"displacement_risk"`
	CompetitorCount        int     `json:"competitor_count"`
	TopCompetitorScore     float64 `json:"top_competitor_score"`
	AverageCompetitorScore int     `json:"average_competitor_score"`
	ShareOfVoice           float64 `json:"share_of_voice"`
	VoiceTrend             int     `json:"voice_trend"`
}

// Engine answers competitive-intelligence questions from snapshot history
// and the competitor registry. Missing data yields default values, never
// an error; errors only come from the history backend.
type Engine struct {
	history   History
	registry  *Registry
	metrics   *metrics.Metrics
	publisher events.Publisher
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineMetrics sets the Prometheus recorder.
func WithEngineMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEnginePublisher publishes every recorded snapshot.
func WithEnginePublisher(p events.Publisher) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithEngineClock overrides the wall clock.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. A nil registry tracks no competitors.
func NewEngine(h History, reg *Registry, opts ...EngineOption) *Engine {
	if reg == nil {
		reg = NewRegistry()
	}
	e := &Engine{history: h, registry: reg, publisher: events.Nop{}, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the competitor registry.
func (e *Engine) Registry() *Registry { return e.registry }

// RecordSnapshot appends facts for domain at the current time.
func (e *Engine) RecordSnapshot(ctx context.Context, domain string, facts Facts) (Snapshot, error) {
	return e.Record(ctx, Snapshot{Domain: domain, Facts: facts})
}

// Record appends s. A zero RecordedAt is set to now.
func (e *Engine) Record(ctx context.Context, s Snapshot) (Snapshot, error) {
	s.Domain = NormalizeDomain(s.Domain)
	if s.RecordedAt.IsZero() {
		s.RecordedAt = e.now()
	}
	s.RecordedAt = s.RecordedAt.UTC()
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	if err := e.history.Append(ctx, s); err != nil {
		return Snapshot{}, err
	}
	e.metrics.SnapshotRecorded()

	if err := e.publisher.Publish(context.WithoutCancel(ctx), events.Event{
		Type:       events.TypeSnapshot,
		Domain:     s.Domain,
		OccurredAt: s.RecordedAt,
		Payload:    s,
	}); err != nil {
		zap.L().Warn("intel: publish snapshot", zap.String("domain", s.Domain), zap.Error(err))
	}
	return s, nil
}

// History returns the retained series for domain, oldest first.
func (e *Engine) History(ctx context.Context, domain string) ([]Snapshot, error) {
	return e.history.Points(ctx, NormalizeDomain(domain))
}

// Trend compares the mean of the last seven points of metric against the
// mean of the seven before them, as a signed whole percentage. It is 0 with
// fewer than fourteen points or when the older mean is 0.
func Trend(points []Snapshot, m Metric) int {
	if len(points) < 2*trendWindow {
		return 0
	}
	recent := points[len(points)-trendWindow:]
	older := points[len(points)-2*trendWindow : len(points)-trendWindow]

	olderMean := mean(older, m)
	if olderMean == 0 {
		return 0
	}
	return int(math.Round((mean(recent, m) - olderMean) / olderMean * 100))
}

func mean(points []Snapshot, m Metric) float64 {
	var sum float64
	for _, p := range points {
		sum += p.Value(m)
	}
	return sum / float64(len(points))
}

// Trend returns the trend of metric for domain.
func (e *Engine) Trend(ctx context.Context, domain string, m Metric) (int, error) {
	points, err := e.History(ctx, domain)
	if err != nil {
		return 0, err
	}
	return Trend(points, m), nil
}

// MarketPosition ranks domain against competitors with data.
func (e *Engine) MarketPosition(ctx context.Context, domain string) (MarketPosition, error) {
	m, err := e.load(ctx, domain)
	if err != nil {
		return MarketPosition{}, err
	}
	return m.position(), nil
}

// ShareOfVoice splits mentions between domain and its competitors.
func (e *Engine) ShareOfVoice(ctx context.Context, domain string) (ShareOfVoice, error) {
	m, err := e.load(ctx, domain)
	if err != nil {
		return ShareOfVoice{}, err
	}
	return m.shareOfVoice(), nil
}

// DisplacementRisk scores domain's risk of being displaced.
func (e *Engine) DisplacementRisk(ctx context.Context, domain string) (DisplacementRisk, error) {
	m, err := e.load(ctx, domain)
	if err != nil {
		return DisplacementRisk{}, err
	}
	return m.risk(m.domain), nil
}

// CompetitiveGap is domain's overall score minus the mean competitor
// overall score, rounded.
func (e *Engine) CompetitiveGap(ctx context.Context, domain string) (int, error) {
	m, err := e.load(ctx, domain)
	if err != nil {
		return 0, err
	}
	return m.gap(), nil
}

// Report builds the full CompetitiveIntelligence for domain.
func (e *Engine) Report(ctx context.Context, domain string) (CompetitiveIntelligence, error) {
	m, err := e.load(ctx, domain)
	if err != nil {
		return CompetitiveIntelligence{}, err
	}

	risks := []DisplacementRisk{m.risk(m.domain)}
	for _, c := range m.competitorsWithData() {
		risks = append(risks, m.risk(c.Domain))
	}
	sort.SliceStable(risks, func(i, j int) bool { return risks[i].Score > risks[j].Score })

	return CompetitiveIntelligence{
		Domain:              m.domain,
		GeneratedAt:         e.now().UTC(),
		MarketPosition:      m.position(),
		DisplacementRisks:   risks,
		ShareOfVoice:        m.shareOfVoice(),
		CompetitiveGap:      m.gap(),
		MarketOpportunities: m.opportunities(),
		Threats:             m.threats(),
	}, nil
}

// Summary returns the headline competitive metrics for domain.
func (e *Engine) Summary(ctx context.Context, domain string) (Summary, error) {
	m, err := e.load(ctx, domain)
	if err != nil {
		return Summary{}, err
	}
	latest, ok := m.latest(m.domain)
	if !ok {
		return Summary{}, nil
	}

	s := Summary{
		MarketShare:      latest.MarketShare,
		CompetitiveGap:   m.gap(),
		DisplacementRisk: m.risk(m.domain).Score,
		CompetitorCount:  len(m.competitors),
	}
	if scores := m.competitorScores(); len(scores) > 0 {
		var sum float64
		for _, v := range scores {
			s.TopCompetitorScore = math.Max(s.TopCompetitorScore, v)
			sum += v
		}
		s.AverageCompetitorScore = int(math.Round(sum / float64(len(scores))))
	}
	sov := m.shareOfVoice()
	s.ShareOfVoice = sov.Entity.ShareOfVoice
	s.VoiceTrend = sov.Entity.Trend
	return s, nil
}

// market is the history of an entity and its competitors, loaded once per
// question.
type market struct {
	domain      string
	competitors []Competitor
	series      map[string][]Snapshot
}

func (e *Engine) load(ctx context.Context, domain string) (*market, error) {
	m := &market{domain: NormalizeDomain(domain), series: make(map[string][]Snapshot)}
	for _, c := range e.registry.List() {
		if c.Domain != m.domain {
			m.competitors = append(m.competitors, c)
		}
	}

	domains := []string{m.domain}
	for _, c := range m.competitors {
		domains = append(domains, c.Domain)
	}
	for _, d := range domains {
		points, err := e.history.Points(ctx, d)
		if err != nil {
			return nil, eris.Wrapf(err, "intel: load history for %s", d)
		}
		m.series[d] = points
	}
	return m, nil
}

func (m *market) latest(d string) (Snapshot, bool) {
	points := m.series[d]
	if len(points) == 0 {
		return Snapshot{}, false
	}
	return points[len(points)-1], true
}

func (m *market) trend(d string, metric Metric) int {
	return Trend(m.series[d], metric)
}

func (m *market) competitorsWithData() []Competitor {
	var out []Competitor
	for _, c := range m.competitors {
		if _, ok := m.latest(c.Domain); ok {
			out = append(out, c)
		}
	}
	return out
}

// rivals returns every domain in the market with data other than d.
func (m *market) rivals(d string) []string {
	var out []string
	if d != m.domain {
		if _, ok := m.latest(m.domain); ok {
			out = append(out, m.domain)
		}
	}
	for _, c := range m.competitorsWithData() {
		if c.Domain != d {
			out = append(out, c.Domain)
		}
	}
	return out
}

func (m *market) competitorScores() []float64 {
	var out []float64
	for _, c := range m.competitorsWithData() {
		s, _ := m.latest(c.Domain)
		out = append(out, s.OverallScore)
	}
	return out
}

// growth is the mean mention trend across every domain with data.
func (m *market) growth() int {
	var (
		sum float64
		n   int
	)
	if _, ok := m.latest(m.domain); ok {
		sum += float64(m.trend(m.domain, MetricTotalMentions))
		n++
	}
	for _, c := range m.competitorsWithData() {
		sum += float64(m.trend(c.Domain, MetricTotalMentions))
		n++
	}
	if n == 0 {
		return 0
	}
	return int(math.Round(sum / float64(n)))
}

func threatLevel(competitorOverall, entityOverall float64) Level {
	diff := competitorOverall - entityOverall
	switch {
	case diff > 20:
		return LevelCritical
	case diff > 10:
		return LevelHigh
	case diff > 0:
		return LevelMedium
	default:
		return LevelLow
	}
}

func (m *market) position() MarketPosition {
	entity, ok := m.latest(m.domain)
	if !ok {
		return MarketPosition{
			Entity:      PositionEntry{Domain: m.domain, Position: 1, Direction: DirectionStable},
			Competitors: []PositionEntry{},
		}
	}

	type share struct {
		domain string
		value  float64
	}
	ranking := []share{{m.domain, entity.MarketShare}}
	total := entity.MarketShare
	withData := m.competitorsWithData()
	for _, c := range withData {
		s, _ := m.latest(c.Domain)
		ranking = append(ranking, share{c.Domain, s.MarketShare})
		total += s.MarketShare
	}
	sort.SliceStable(ranking, func(i, j int) bool { return ranking[i].value > ranking[j].value })
	rank := make(map[string]int, len(ranking))
	for i, r := range ranking {
		rank[r.domain] = i + 1
	}

	entry := func(d string, s Snapshot) PositionEntry {
		t := m.trend(d, MetricMarketShare)
		return PositionEntry{Domain: d, MarketShare: s.MarketShare, Position: rank[d], Trend: t, Direction: DirectionOf(t)}
	}

	out := MarketPosition{
		Entity:       entry(m.domain, entity),
		Competitors:  make([]PositionEntry, 0, len(withData)),
		MarketTotal:  total,
		MarketGrowth: m.growth(),
	}
	for _, c := range withData {
		s, _ := m.latest(c.Domain)
		pe := entry(c.Domain, s)
		pe.ThreatLevel = threatLevel(s.OverallScore, entity.OverallScore)
		out.Competitors = append(out.Competitors, pe)
	}
	return out
}

func (m *market) shareOfVoice() ShareOfVoice {
	entity, ok := m.latest(m.domain)
	if !ok {
		return ShareOfVoice{Entity: VoiceEntry{Domain: m.domain}, Competitors: []VoiceEntry{}}
	}

	withData := m.competitorsWithData()
	total := entity.TotalMentions
	for _, c := range withData {
		s, _ := m.latest(c.Domain)
		total += s.TotalMentions
	}
	voice := func(d string, mentions int) VoiceEntry {
		v := VoiceEntry{Domain: d, TotalMentions: mentions}
		if total > 0 {
			v.ShareOfVoice = float64(mentions) / float64(total) * 100
		}
		v.Trend = m.trend(d, MetricTotalMentions)
		v.GrowthRate = v.Trend
		return v
	}

	out := ShareOfVoice{
		Entity:        voice(m.domain, entity.TotalMentions),
		Competitors:   make([]VoiceEntry, 0, len(withData)),
		TotalMentions: total,
		MarketGrowth:  m.growth(),
	}
	for _, c := range withData {
		s, _ := m.latest(c.Domain)
		out.Competitors = append(out.Competitors, voice(c.Domain, s.TotalMentions))
	}
	return out
}

func defaultRisk(domain string) DisplacementRisk {
	return DisplacementRisk{
		Domain:             domain,
		Level:              LevelLow,
		Factors:            []RiskFactor{},
		Recommendations:    []string{},
		DaysToDisplacement: 365,
	}
}

func (m *market) risk(d string) DisplacementRisk {
	latest, ok := m.latest(d)
	if !ok {
		return defaultRisk(d)
	}

	r := defaultRisk(d)
	sum := 0
	add := func(impact int, factor, description, recommendation string) {
		sum += impact
		r.Factors = append(r.Factors, RiskFactor{Factor: factor, Impact: impact, Description: description})
		r.Recommendations = append(r.Recommendations, recommendation)
	}

	if t := m.trend(d, MetricMarketShare); t < -5 {
		add(20, "Market Share Decline",
			fmt.Sprintf("Market share declining by %d%%", -t),
			"Investigate causes of market share decline and implement corrective measures")
	}

	growing := 0
	for _, rival := range m.rivals(d) {
		if m.trend(rival, MetricMarketShare) > 10 {
			growing++
		}
	}
	if growing > 0 {
		add(15, "Competitor Growth",
			fmt.Sprintf("%d competitors growing rapidly", growing),
			"Monitor competitor strategies and differentiate your offerings")
	}

	if t := m.trend(d, MetricCitations); t < -10 {
		add(25, "Citation Displacement",
			fmt.Sprintf("Citations declining by %d%%", -t),
			"Improve content quality and authority to maintain citations")
	}

	if t := m.trend(d, MetricSentiment); t < -15 {
		add(20, "Sentiment Decline",
			fmt.Sprintf("Sentiment declining by %d%%", -t),
			"Address customer concerns and improve service quality")
	}

	if h := latest.health(); h < 70 {
		add(15, "Technical Issues",
			fmt.Sprintf("Technical health score: %g", h),
			"Fix technical issues and improve site performance")
	}

	switch {
	case sum >= 70:
		r.Level, r.DaysToDisplacement = LevelCritical, 30
	case sum >= 50:
		r.Level, r.DaysToDisplacement = LevelHigh, 90
	case sum >= 30:
		r.Level, r.DaysToDisplacement = LevelMedium, 180
	default:
		r.Level, r.DaysToDisplacement = LevelLow, 365
	}
	r.Score = min(100, sum)
	return r
}

func (m *market) gap() int {
	entity, ok := m.latest(m.domain)
	if !ok {
		return 0
	}
	scores := m.competitorScores()
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, v := range scores {
		sum += v
	}
	return int(math.Round(entity.OverallScore - sum/float64(len(scores))))
}

// opportunities looks for segments, locations and technology the tracked
// competitors leave open.
func (m *market) opportunities() []string {
	out := []string{}
	segments := make(map[string]bool)
	locations := make(map[string]bool)
	for _, c := range m.competitors {
		segments[c.Segment] = true
		if c.Location != "" {
			locations[c.Location] = true
		}
	}
	if !segments["service"] {
		out = append(out, "Service department expansion opportunity")
	}
	if !segments["used"] {
		out = append(out, "Used vehicle market entry opportunity")
	}
	if len(locations) < 3 {
		out = append(out, "Geographic expansion opportunity")
	}
	if len(m.competitors) > 0 {
		var sum float64
		for _, c := range m.competitors {
			if s, ok := m.latest(c.Domain); ok {
				sum += s.TechnicalHealth
			}
		}
		if sum/float64(len(m.competitors)) < 70 {
			out = append(out, "Technology leadership opportunity")
		}
	}
	return out
}

func (m *market) threats() []string {
	out := []string{}
	if _, ok := m.latest(m.domain); !ok {
		return out
	}

	aggressive := 0
	for _, c := range m.competitorsWithData() {
		if s, _ := m.latest(c.Domain); s.GrowthRate > 15 {
			aggressive++
		}
	}
	if aggressive > 0 {
		out = append(out, fmt.Sprintf("%d aggressive competitors growing rapidly", aggressive))
	}
	if m.trend(m.domain, MetricMarketShare) < -10 {
		out = append(out, "Significant market share decline")
	}
	if m.trend(m.domain, MetricCitations) < -20 {
		out = append(out, "Citation displacement by competitors")
	}
	return out
}
