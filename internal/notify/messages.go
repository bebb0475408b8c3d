package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dalin7768/domainNameGuard/internal/checker"
)

// LevelName returns the Chinese display name for a notification level.
func LevelName(level string) string {
	switch level {
	case "all":
		return "始终通知"
	case "error":
		return "仅错误时"
	case "smart":
		return "智能通知"
	}
	return level
}

func onOff(b bool) string {
	if b {
		return "开启"
	}
	return "关闭"
}

// batchCount is the number of sweeps a run of n endpoints takes at the given
// pool width.
func batchCount(n, width int) int {
	if width < 1 {
		width = 1
	}
	return (n + width - 1) / width
}

// EstimateRun guesses a run's wall time from its batch count, allowing two
// seconds of overhead per batch on top of the probe timeout.
func EstimateRun(domainCount, maxConcurrent, timeoutSeconds int) time.Duration {
	return time.Duration(batchCount(domainCount, maxConcurrent)*(timeoutSeconds+2)) * time.Second
}

// StartupInfo is the configuration snapshot rendered into the boot notice.
type StartupInfo struct {
	DomainCount      int
	IntervalMinutes  int
	MaxConcurrent    int
	TimeoutSeconds   int
	RetryCount       int
	Level            string
	NotifyOnRecovery bool
	FailureThreshold int
	DailyReportTime  string // empty when the daily report is off
}

// Startup renders the service-started notice.
func Startup(in StartupInfo) string {
	batches := batchCount(in.DomainCount, in.MaxConcurrent)
	m, s := countdown(EstimateRun(in.DomainCount, in.MaxConcurrent, in.TimeoutSeconds))

	daily := in.DailyReportTime
	if daily == "" {
		daily = "关闭"
	}

	var b strings.Builder
	b.WriteString("🚀 **域名监控服务已启动**\n\n")
	b.WriteString("📊 **监控配置**\n")
	fmt.Fprintf(&b, "├ 监控域名: %d 个\n", in.DomainCount)
	fmt.Fprintf(&b, "├ 检查周期: 每 %d 分钟\n", in.IntervalMinutes)
	fmt.Fprintf(&b, "├ 并发线程: %d\n", in.MaxConcurrent)
	fmt.Fprintf(&b, "├ 超时限制: %d 秒\n", in.TimeoutSeconds)
	fmt.Fprintf(&b, "└ 失败重试: %d 次\n\n", in.RetryCount)
	b.WriteString("🔔 **通知模式**\n")
	fmt.Fprintf(&b, "├ 当前级别: %s\n", LevelName(in.Level))
	fmt.Fprintf(&b, "├ 恢复通知: %s\n", onOff(in.NotifyOnRecovery))
	fmt.Fprintf(&b, "├ 错误阈值: 连续 %d 次\n", in.FailureThreshold)
	fmt.Fprintf(&b, "└ 每日统计: %s\n\n", daily)
	b.WriteString("⏱️ **启动首次检查**\n")
	fmt.Fprintf(&b, "├ 待检域名: %d 个\n", in.DomainCount)
	fmt.Fprintf(&b, "├ 执行批次: %d 批\n", batches)
	fmt.Fprintf(&b, "└ 预计用时: 约 %d分%d秒\n\n", m, s)
	b.WriteString("💡 输入 /help 查看完整命令\n")
	b.WriteString("⚡ 输入 /check 立即执行手动检查")
	return b.String()
}

// CheckStartInfo sizes the notice sent when a manual run begins.
type CheckStartInfo struct {
	DomainCount      int
	MaxConcurrent    int
	TimeoutSeconds   int
	Level            string
	NotifyOnRecovery bool
	FailureThreshold int
}

// CheckStart renders the manual-run kickoff notice.
func CheckStart(in CheckStartInfo) string {
	batches := batchCount(in.DomainCount, in.MaxConcurrent)
	m, s := countdown(EstimateRun(in.DomainCount, in.MaxConcurrent, in.TimeoutSeconds))

	level := LevelName(in.Level)
	if in.Level == "smart" {
		level = "智能模式"
	}

	var b strings.Builder
	b.WriteString("🔍 **域名检查启动**\n\n")
	b.WriteString("📊 **检查配置**\n")
	fmt.Fprintf(&b, "├ 域名总数: %d 个\n", in.DomainCount)
	fmt.Fprintf(&b, "├ 并发线程: %d\n", in.MaxConcurrent)
	fmt.Fprintf(&b, "├ 分批执行: %d 批\n", batches)
	fmt.Fprintf(&b, "└ 预计用时: %d分%d秒\n\n", m, s)
	b.WriteString("🔔 **通知模式**\n")
	fmt.Fprintf(&b, "├ 当前级别: %s\n", level)
	fmt.Fprintf(&b, "├ 恢复通知: %s\n", onOff(in.NotifyOnRecovery))
	fmt.Fprintf(&b, "└ 错误阈值: %d 次\n\n", in.FailureThreshold)
	b.WriteString("正在检查中，请稍候...")
	return b.String()
}

// BatchDone renders the per-batch notice for batch-notify mode.
func BatchDone(batch, totalBatches, succeeded, failed int, eta time.Duration) string {
	msg := fmt.Sprintf("📦 **批次 %d/%d 完成**\n\n✅ 成功: %d 个\n❌ 失败: %d 个",
		batch, totalBatches, succeeded, failed)
	if eta > 0 {
		m, s := countdown(eta)
		msg += fmt.Sprintf("\n⏱️ 剩余时间: %d分%d秒", m, s)
	}
	return msg
}

// Progress renders the throttled progress line for long runs.
func Progress(done, total int, eta time.Duration) string {
	pct := float64(done) / float64(total) * 100
	msg := fmt.Sprintf("⏳ 进度: %d/%d (%.1f%%)", done, total, pct)
	if eta > 0 {
		m, s := countdown(eta)
		msg += fmt.Sprintf(" - 剩余: %d分%d秒", m, s)
	}
	return msg
}

// Overrun renders the warning sent when a run outlasted its cycle and the
// next one starts immediately.
func Overrun(intervalMinutes int) string {
	return fmt.Sprintf("⚠️ 检查耗时超过设定的 %d 分钟，立即开始下一轮检查", intervalMinutes)
}

// ReloadNotice renders the config-reloaded confirmation. A changed interval
// gets the verbose variant.
func ReloadNotice(oldInterval, newInterval int) string {
	if oldInterval != newInterval {
		return fmt.Sprintf("🔄 **配置已重新加载**\n\n⏰ 检查间隔已更新：%d → %d 分钟\n✅ 新的间隔时间已生效\n⏱️ 下次检查将在 %d 分钟后执行",
			oldInterval, newInterval, newInterval)
	}
	return "🔄 **配置已重新加载**\n\n✅ 配置更新成功\n💡 检查间隔未改变"
}

const (
	// StoppedNotice is sent right before the service shuts down.
	StoppedNotice = "🛑 监控服务已停止"
	// RestartingNotice is sent right before the process exits for relaunch.
	RestartingNotice = "🔄 服务正在重启，请稍候..."
)

// DailyStats accumulates one local day of check activity for the daily
// statistics report. It is not safe for concurrent use; the scheduler
// serializes access.
type DailyStats struct {
	day         string // local YYYY-MM-DD
	totalChecks int
	totalProbes int
	successes   int
	failures    int
	errorCounts map[string]int
	byDomain    map[string]*domainDay
	order       []string
}

type domainDay struct {
	total   int
	success int
	failed  int
}

// NewDailyStats starts an empty bucket for the local date of now.
func NewDailyStats(now time.Time) *DailyStats {
	return &DailyStats{
		day:         now.Format("2006-01-02"),
		errorCounts: make(map[string]int),
		byDomain:    make(map[string]*domainDay),
	}
}

// Day returns the local date this bucket covers, as YYYY-MM-DD.
func (s *DailyStats) Day() string { return s.day }

// Rounds returns how many check rounds the bucket has absorbed.
func (s *DailyStats) Rounds() int { return s.totalChecks }

// Observe folds one completed check round into the bucket.
func (s *DailyStats) Observe(results []checker.Result) {
	s.totalChecks++
	s.totalProbes += len(results)
	for _, r := range results {
		d := s.byDomain[r.Domain]
		if d == nil {
			d = &domainDay{}
			s.byDomain[r.Domain] = d
			s.order = append(s.order, r.Domain)
		}
		d.total++
		if r.IsSuccess() {
			s.successes++
			d.success++
		} else {
			s.failures++
			d.failed++
			s.errorCounts[string(r.Status)]++
		}
	}
}

// StatusTitle renders an error status name for report lines, e.g.
// "http_error" as "Http Error".
func StatusTitle(status string) string {
	words := strings.Split(status, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// DailyReport renders the daily statistics report for the bucket. Error
// types sort by count, trouble endpoints by availability ascending, capped
// at ten lines.
func DailyReport(s *DailyStats) string {
	checked := s.successes + s.failures
	availability := 100.0
	if checked > 0 {
		availability = float64(s.successes) / float64(checked) * 100
	}

	var b strings.Builder
	b.WriteString("📊 **每日统计报告**\n")
	fmt.Fprintf(&b, "📅 日期: %s\n\n", s.day)

	b.WriteString("**📈 总体统计**\n")
	fmt.Fprintf(&b, "├ 检查轮次: %d 次\n", s.totalChecks)
	fmt.Fprintf(&b, "├ 检查域名数: %d 个次\n", s.totalProbes)
	fmt.Fprintf(&b, "├ 成功: %d 次\n", s.successes)
	fmt.Fprintf(&b, "├ 失败: %d 次\n", s.failures)
	fmt.Fprintf(&b, "└ 总体可用率: %.2f%%\n\n", availability)

	if len(s.errorCounts) > 0 {
		b.WriteString("**❌ 错误类型分布**\n")
		type errCount struct {
			status string
			count  int
		}
		counts := make([]errCount, 0, len(s.errorCounts))
		for status, count := range s.errorCounts {
			counts = append(counts, errCount{status, count})
		}
		sort.Slice(counts, func(i, j int) bool {
			if counts[i].count != counts[j].count {
				return counts[i].count > counts[j].count
			}
			return counts[i].status < counts[j].status
		})
		for i, ec := range counts {
			prefix := "├"
			if i == len(counts)-1 {
				prefix = "└"
			}
			fmt.Fprintf(&b, "%s %s: %d 次\n", prefix, StatusTitle(ec.status), ec.count)
		}
		b.WriteString("\n")
	}

	type trouble struct {
		domain       string
		availability float64
		day          *domainDay
	}
	var troubled []trouble
	for _, domain := range s.order {
		d := s.byDomain[domain]
		if d.failed > 0 {
			troubled = append(troubled, trouble{domain, float64(d.success) / float64(d.total) * 100, d})
		}
	}

	if len(troubled) > 0 {
		sort.SliceStable(troubled, func(i, j int) bool {
			return troubled[i].availability < troubled[j].availability
		})
		b.WriteString("**⚠️ 需要关注的域名** (可用率低于100%)\n")
		shown := len(troubled)
		if shown > 10 {
			shown = 10
		}
		for i := 0; i < shown; i++ {
			prefix := "├"
			if i == shown-1 {
				prefix = "└"
			}
			t := troubled[i]
			fmt.Fprintf(&b, "%s %s: %.1f%% (成功%d/%d)\n", prefix, t.domain, t.availability, t.day.success, t.day.total)
		}
		if len(troubled) > 10 {
			fmt.Fprintf(&b, "\n... 还有 %d 个域名有异常记录\n", len(troubled)-10)
		}
	} else {
		b.WriteString("**✅ 所有域名今日运行良好！**\n")
	}

	return b.String()
}
