package metrics

import (
	"expvar"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/uber-go/tally/v4"
)

// ExpvarReporter 把 tally 指标写入一个 expvar.Map：
// counter 累加，gauge 取最新值，timer 记录最近一次（毫秒），histogram 按桶累加样本数。
type ExpvarReporter struct {
	vars *expvar.Map
}

var _ tally.StatsReporter = (*ExpvarReporter)(nil)

// NewExpvarReporter name 对应 /debug/vars 下的顶层 key；同名重复创建时复用已发布的 Map
func NewExpvarReporter(name string) *ExpvarReporter {
	if v, ok := expvar.Get(name).(*expvar.Map); ok {
		return &ExpvarReporter{vars: v}
	}
	return &ExpvarReporter{vars: expvar.NewMap(name)}
}

// Vars 底层 Map
func (r *ExpvarReporter) Vars() *expvar.Map {
	return r.vars
}

func (r *ExpvarReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.vars.Add(key(name, tags), value)
}

func (r *ExpvarReporter) ReportGauge(name string, tags map[string]string, value float64) {
	f := new(expvar.Float)
	f.Set(value)
	r.vars.Set(key(name, tags), f)
}

func (r *ExpvarReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	f := new(expvar.Float)
	f.Set(float64(interval) / float64(time.Millisecond))
	r.vars.Set(key(name, tags)+".last_ms", f)
}

func (r *ExpvarReporter) ReportHistogramValueSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	_ float64,
	bucketUpperBound float64,
	samples int64,
) {
	r.vars.Add(key(name, tags)+".le_"+strconv.FormatFloat(bucketUpperBound, 'g', -1, 64), samples)
}

func (r *ExpvarReporter) ReportHistogramDurationSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	_ time.Duration,
	bucketUpperBound time.Duration,
	samples int64,
) {
	r.vars.Add(key(name, tags)+".le_"+bucketUpperBound.String(), samples)
}

func (r *ExpvarReporter) Capabilities() tally.Capabilities {
	return r
}

func (r *ExpvarReporter) Reporting() bool { return true }

func (r *ExpvarReporter) Tagging() bool { return true }

// Flush expvar 是实时的，无需 flush
func (r *ExpvarReporter) Flush() {}

// key name{k=v,...}，tag 按 key 排序保证稳定
func key(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}
