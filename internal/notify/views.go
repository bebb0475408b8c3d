package notify

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dalin7768/domainNameGuard/internal/checker"
	"github.com/dalin7768/domainNameGuard/internal/tracker"
)

// The error roll splits HTTP failures per status code, one notch finer than
// the summary buckets, so an operator can tell a 502 from a 503 at a glance.
var fineHTTPMeta = map[int]struct{ emoji, label string }{
	520: {"☁️", "Cloudflare错误 (520未知错误)"},
	521: {"☁️", "Cloudflare错误 (521服务器离线)"},
	522: {"☁️", "Cloudflare错误 (522连接超时)"},
	523: {"☁️", "Cloudflare错误 (523源站不可达)"},
	524: {"☁️", "Cloudflare错误 (524超时)"},
	525: {"☁️", "Cloudflare错误 (525SSL握手失败)"},
	526: {"☁️", "Cloudflare错误 (526SSL证书无效)"},
	502: {"🚪", "网关错误 (502坏网关)"},
	503: {"🚪", "网关错误 (503服务暂不可用)"},
	504: {"🚪", "网关错误 (504网关超时)"},
	500: {"💥", "服务器内部错误 (500)"},
	403: {"🚫", "访问被拒绝 (403禁止访问)"},
	401: {"🚫", "访问被拒绝 (401未授权)"},
	451: {"🚫", "访问被拒绝 (451法律原因)"},
	404: {"🔎", "页面不存在 (404)"},
	400: {"⚠️", "请求错误 (400错误请求)"},
	429: {"⚠️", "请求错误 (429请求过多)"},
}

var fineHTTPOrder = []int{
	520, 521, 522, 523, 524, 525, 526,
	502, 503, 504,
	500, 403, 401, 451, 404, 400, 429,
}

var fineStatusOrder = []checker.Status{
	checker.StatusDNSError, checker.StatusConnectionError,
	checker.StatusTimeout, checker.StatusSSLError,
	checker.StatusWebSocketError, checker.StatusPhishingWarning,
	checker.StatusSecurityWarning, checker.StatusUnknownError,
}

func fineKey(r checker.Result) string {
	if r.Status == checker.StatusHTTPError && r.StatusCode > 0 {
		return "http_" + strconv.Itoa(r.StatusCode)
	}
	return string(r.Status)
}

func fineMeta(key string) (emoji, label string) {
	if s, ok := strings.CutPrefix(key, "http_"); ok {
		code, err := strconv.Atoi(s)
		if err == nil {
			if m, ok := fineHTTPMeta[code]; ok {
				return m.emoji, m.label
			}
			return "❌", fmt.Sprintf("HTTP错误 (%d)", code)
		}
	}
	b := Bucket(key)
	return b.Emoji(), b.Label()
}

const (
	errorRollCap = 10
	ackedRollCap = 5
)

// CurrentErrors renders the `/errors` view: unacknowledged failures in
// fine-grained groups, then the acknowledged tail, paginated to fit the
// message cap.
func CurrentErrors(unacked, acked []checker.Result) []string {
	if len(unacked) == 0 && len(acked) == 0 {
		return []string{"✨ **当前没有错误域名**"}
	}

	groups := make(map[string][]checker.Result)
	for _, r := range unacked {
		key := fineKey(r)
		groups[key] = append(groups[key], r)
	}

	var order []string
	for _, code := range fineHTTPOrder {
		key := "http_" + strconv.Itoa(code)
		if _, ok := groups[key]; ok {
			order = append(order, key)
		}
	}
	for _, status := range fineStatusOrder {
		if _, ok := groups[string(status)]; ok {
			order = append(order, string(status))
		}
	}
	var extra []string
	known := make(map[string]bool, len(order))
	for _, key := range order {
		known[key] = true
	}
	for key := range groups {
		if !known[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)

	msg := "🔴 **当前错误状态**\n\n"
	msg += "📊 **错误总览**\n"
	msg += fmt.Sprintf("⚠️ 未处理错误: %d 个\n", len(unacked))
	msg += fmt.Sprintf("✅ 已确认处理: %d 个\n\n", len(acked))

	for _, key := range order {
		members := groups[key]
		emoji, label := fineMeta(key)
		msg += fmt.Sprintf("**%s %s (%d个):**\n", emoji, label, len(members))
		for i, r := range members {
			if i == errorRollCap {
				break
			}
			msg += fmt.Sprintf("  • [%s](%s)\n", r.Domain, clickableURL(r))
		}
		if len(members) > errorRollCap {
			msg += fmt.Sprintf("  ... 还有 %d 个域名\n", len(members)-errorRollCap)
		}
		msg += "\n"
	}

	if len(acked) > 0 {
		msg += fmt.Sprintf("✅ **已确认处理 (%d个)**:\n", len(acked))
		for i, r := range acked {
			if i == ackedRollCap {
				break
			}
			msg += fmt.Sprintf("  • [%s](%s)\n", r.Domain, clickableURL(r))
		}
		if len(acked) > ackedRollCap {
			msg += fmt.Sprintf("  ... 还有 %d 个已处理\n", len(acked)-ackedRollCap)
		}
		msg += "\n"
	}

	msg += "💡 **使用说明**:\n"
	msg += "`/ack domain.com` - 确认处理某个错误\n"
	msg += "`/history` - 查看历史记录"

	return splitPages(msg)
}

// HistoryReport renders the `/history` view: a statistics digest over the
// window plus the most recent journal entries.
func HistoryReport(stats tracker.Statistics, history []tracker.Record, days int) string {
	msg := fmt.Sprintf("📈 **历史记录 (过去%d天)**\n\n", days)

	msg += "📊 **统计摘要**:\n"
	msg += fmt.Sprintf("• 总错误次数: %d\n", stats.TotalErrors)
	msg += fmt.Sprintf("• 恢复次数: %d\n", stats.TotalRecoveries)
	msg += fmt.Sprintf("• 当前错误: %d\n", stats.CurrentErrors)
	msg += fmt.Sprintf("• 未处理: %d\n\n", stats.Unacknowledged)

	if len(stats.ErrorTypes) > 0 {
		type typeCount struct {
			name  string
			count int
		}
		counts := make([]typeCount, 0, len(stats.ErrorTypes))
		for name, count := range stats.ErrorTypes {
			counts = append(counts, typeCount{name, count})
		}
		sort.Slice(counts, func(i, j int) bool {
			if counts[i].count != counts[j].count {
				return counts[i].count > counts[j].count
			}
			return counts[i].name < counts[j].name
		})
		msg += "🔍 **错误类型**:\n"
		for _, tc := range counts {
			msg += fmt.Sprintf("• %s: %d次\n", tc.name, tc.count)
		}
		msg += "\n"
	}

	if len(stats.TopErrorDomains) > 0 {
		msg += "🔝 **TOP错误域名**:\n"
		for i, dc := range stats.TopErrorDomains {
			if i == 5 {
				break
			}
			msg += fmt.Sprintf("• %s: %d次\n", dc.Domain, dc.Count)
		}
		msg += "\n"
	}

	if len(history) > 0 {
		msg += "🕒 **最近记录**:\n"
		start := 0
		if len(history) > 10 {
			start = len(history) - 10
		}
		for _, rec := range history[start:] {
			msg += rec.Describe() + "\n"
		}
	}
	return msg
}

// splitPages breaks an over-long message at line boundaries, the way the
// error roll paginates. Section-aware pagination lives in Summary.
func splitPages(msg string) []string {
	if runeLen(msg) <= pageFooterLimit {
		return []string{msg}
	}
	var pages []string
	var cur strings.Builder
	for _, line := range strings.Split(msg, "\n") {
		if cur.Len() > 0 && runeLen(cur.String())+runeLen(line)+1 > pageFooterLimit {
			pages = append(pages, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		cur.WriteString(line)
		cur.WriteString("\n")
	}
	if tail := strings.TrimSpace(cur.String()); tail != "" {
		pages = append(pages, tail)
	}
	return pages
}
