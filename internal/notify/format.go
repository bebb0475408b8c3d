// Package notify decides when a check run warrants a chat message and
// renders the outcome into Telegram-ready Markdown pages.
package notify

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dalin7768/domainNameGuard/internal/checker"
)

// Pages stay under the soft limit so the hard Telegram cap of 4096
// characters is never hit even after the footer lands.
const (
	pageSoftLimit   = 3500
	pageFooterLimit = 4000
	deltaSectionCap = 10
)

// Bucket is the presentation grouping for a failed result. HTTP failures
// split by status code family, everything else groups by its status.
type Bucket string

const (
	bucketCloudflare Bucket = "cloudflare_error"
	bucketGateway    Bucket = "gateway_error"
	bucketServer     Bucket = "server_error"
	bucketAccess     Bucket = "access_denied"
	bucketNotFound   Bucket = "not_found"
	bucketBadRequest Bucket = "bad_request"
)

// BucketFor maps a non-success result to its presentation bucket.
func BucketFor(r checker.Result) Bucket {
	if r.Status == checker.StatusHTTPError && r.StatusCode > 0 {
		switch {
		case r.StatusCode >= 520 && r.StatusCode <= 526:
			return bucketCloudflare
		case r.StatusCode == 502 || r.StatusCode == 503 || r.StatusCode == 504:
			return bucketGateway
		case r.StatusCode == 500:
			return bucketServer
		case r.StatusCode == 401 || r.StatusCode == 403 || r.StatusCode == 451:
			return bucketAccess
		case r.StatusCode == 404:
			return bucketNotFound
		case r.StatusCode == 400 || r.StatusCode == 429:
			return bucketBadRequest
		default:
			return Bucket("http_" + strconv.Itoa(r.StatusCode))
		}
	}
	return Bucket(r.Status)
}

var bucketMeta = map[Bucket]struct{ emoji, label string }{
	bucketCloudflare: {"☁️", "Cloudflare错误"},
	bucketGateway:    {"🚪", "网关错误"},
	bucketServer:     {"💥", "服务器内部错误"},
	bucketAccess:     {"🚫", "访问被拒绝"},
	bucketNotFound:   {"🔎", "页面不存在"},
	bucketBadRequest: {"⚠️", "请求错误"},

	Bucket(checker.StatusDNSError):         {"🔍", "DNS解析失败"},
	Bucket(checker.StatusConnectionError):  {"🔌", "无法建立连接"},
	Bucket(checker.StatusTimeout):          {"⏱️", "访问超时"},
	Bucket(checker.StatusSSLError):         {"🔒", "SSL证书问题"},
	Bucket(checker.StatusWebSocketError):   {"🌐", "WebSocket连接失败"},
	Bucket(checker.StatusPhishingWarning):  {"🎣", "钓鱼网站警告"},
	Bucket(checker.StatusSecurityWarning):  {"🚨", "安全风险警告"},
	Bucket(checker.StatusUnknownError):     {"❓", "未知错误"},
}

// Emoji returns the marker shown in section titles for this bucket.
func (b Bucket) Emoji() string {
	if m, ok := bucketMeta[b]; ok {
		return m.emoji
	}
	return "⚠️"
}

// Label returns the Chinese display name for this bucket.
func (b Bucket) Label() string {
	if m, ok := bucketMeta[b]; ok {
		return m.label
	}
	if code := b.httpCode(); code > 0 {
		return "HTTP " + strconv.Itoa(code)
	}
	return string(b)
}

func (b Bucket) httpCode() int {
	s, ok := strings.CutPrefix(string(b), "http_")
	if !ok {
		return 0
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return code
}

// displayOrder fixes the section sequence in summaries. Ad-hoc http_<code>
// buckets follow it in ascending code order.
var displayOrder = []Bucket{
	bucketCloudflare, bucketGateway, bucketServer,
	bucketAccess, bucketNotFound, bucketBadRequest,
	Bucket(checker.StatusDNSError), Bucket(checker.StatusConnectionError),
	Bucket(checker.StatusTimeout), Bucket(checker.StatusSSLError),
	Bucket(checker.StatusWebSocketError), Bucket(checker.StatusPhishingWarning),
	Bucket(checker.StatusSecurityWarning), Bucket(checker.StatusUnknownError),
}

// GroupByBucket splits failures into buckets and returns the bucket keys in
// display order. Successes are skipped.
func GroupByBucket(results []checker.Result) (map[Bucket][]checker.Result, []Bucket) {
	groups := make(map[Bucket][]checker.Result)
	for _, r := range results {
		if r.IsSuccess() {
			continue
		}
		b := BucketFor(r)
		groups[b] = append(groups[b], r)
	}

	var order []Bucket
	for _, b := range displayOrder {
		if _, ok := groups[b]; ok {
			order = append(order, b)
		}
	}
	var dynamic []Bucket
	for b := range groups {
		if b.httpCode() > 0 {
			dynamic = append(dynamic, b)
		}
	}
	sort.Slice(dynamic, func(i, j int) bool { return dynamic[i].httpCode() < dynamic[j].httpCode() })
	order = append(order, dynamic...)
	return groups, order
}

var cloudflareCodeLabels = map[int]string{
	520: "520未知错误",
	521: "521服务器离线",
	522: "522连接超时",
	523: "523源站不可达",
	524: "524超时",
	525: "525SSL握手失败",
	526: "526SSL证书无效",
}

var gatewayCodeLabels = map[int]string{
	502: "502坏网关",
	503: "503服务暂不可用",
	504: "504网关超时",
}

var accessCodeLabels = map[int]string{
	401: "401未授权",
	403: "403禁止访问",
	451: "451法律原因",
}

// bucketDetail renders the per-code breakdown shown next to a section title.
// Cloudflare codes keep first-seen order; the other two families sort.
func bucketDetail(b Bucket, members []checker.Result) string {
	var labels map[int]string
	sortCodes := true
	switch b {
	case bucketCloudflare:
		labels = cloudflareCodeLabels
		sortCodes = false
	case bucketGateway:
		labels = gatewayCodeLabels
	case bucketAccess:
		labels = accessCodeLabels
	default:
		return ""
	}

	var codes []int
	seen := make(map[int]bool)
	for _, r := range members {
		if !seen[r.StatusCode] {
			seen[r.StatusCode] = true
			codes = append(codes, r.StatusCode)
		}
	}
	if sortCodes {
		sort.Ints(codes)
	}

	var parts []string
	for _, code := range codes {
		if label, ok := labels[code]; ok {
			parts = append(parts, label)
		}
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// clickableURL picks a Markdown link target. WebSocket probe URLs do not
// render as links in Telegram, so those fall back to https on the name.
func clickableURL(r checker.Result) string {
	if strings.HasPrefix(r.URL, "http") {
		return r.URL
	}
	return "https://" + r.Domain
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func countdown(d time.Duration) (minutes, seconds int) {
	secs := int(d.Seconds())
	return secs / 60, secs % 60
}

// nextRunVerbose renders the long next-check footer used by summaries.
func nextRunVerbose(now, nextRun time.Time) string {
	if nextRun.IsZero() {
		return ""
	}
	if diff := nextRun.Sub(now); diff > 0 {
		m, s := countdown(diff)
		return fmt.Sprintf("⏰ 下次检查将在 %d 分 %d 秒后开始\n📅 具体时间: %s", m, s, nextRun.Format("15:04:05"))
	}
	return "⏰ 下次检查将立即开始"
}

// Summary renders the end-of-run report. Failures group into sections by
// bucket; long reports paginate so every page fits a single Telegram message
// and no endpoint bullet is ever split across pages.
func Summary(results []checker.Result, now, nextRun time.Time) []string {
	if len(results) == 0 {
		return nil
	}

	total := len(results)
	var failed []checker.Result
	for _, r := range results {
		if !r.IsSuccess() {
			failed = append(failed, r)
		}
	}
	success := total - len(failed)

	if len(failed) == 0 {
		msg := fmt.Sprintf("✅ **全部正常**\n\n🔍 检查域名: %d 个\n🌟 状态: 全部在线\n⏰ 时间: %s\n\n",
			total, now.Format("15:04:05"))
		msg += nextRunVerbose(now, nextRun)
		return []string{msg}
	}

	groups, order := GroupByBucket(failed)

	var pages []string
	cur := fmt.Sprintf("⚠️ **检查结果**\n\n📊 **整体状态**\n🔍 检查域名: %d 个\n✅ 正常在线: %d 个\n❌ 异常域名: %d 个\n\n",
		total, success, len(failed))

	for _, b := range order {
		members := groups[b]
		section := fmt.Sprintf("**%s %s%s (%d个):**\n", b.Emoji(), b.Label(), bucketDetail(b, members), len(members))
		if runeLen(cur)+runeLen(section) > pageSoftLimit {
			pages = append(pages, cur)
			cur = "⚠️ **错误详情（续）**\n\n"
		}
		cur += section

		for _, r := range members {
			line := fmt.Sprintf("  • [%s](%s)\n", r.Domain, clickableURL(r))
			if runeLen(cur)+runeLen(line) > pageSoftLimit {
				pages = append(pages, cur+"\n")
				cur = "⚠️ **错误详情（续）**\n\n" + fmt.Sprintf("**%s %s（续）:**\n", b.Emoji(), b.Label())
			}
			cur += line
		}
		cur += "\n"
	}

	timeInfo := "⏰ " + now.Format("2006-01-02 15:04:05") + "\n\n" + nextRunVerbose(now, nextRun)
	if runeLen(cur)+runeLen(timeInfo) > pageFooterLimit {
		pages = append(pages, cur, timeInfo)
	} else {
		pages = append(pages, cur+timeInfo)
	}
	return pages
}

// Delta renders the smart-mode change report: what broke, what recovered,
// and how many endpoints are still down. persistentCount of zero hides the
// still-down line, so the same layout serves both change and reminder sends.
func Delta(newErrors, recovered []checker.Result, persistentCount int, results []checker.Result, now, nextRun time.Time) []string {
	msg := "🔔 **状态变化通知**\n\n"

	if len(newErrors) > 0 {
		msg += fmt.Sprintf("🆕 **新出现问题 (%d个)**:\n", len(newErrors))
		for i, r := range newErrors {
			if i == deltaSectionCap {
				break
			}
			msg += fmt.Sprintf("• %s - %s\n", r.Domain, BucketFor(r).Label())
		}
		if len(newErrors) > deltaSectionCap {
			msg += fmt.Sprintf("• ... 及其他 %d 个\n", len(newErrors)-deltaSectionCap)
		}
		msg += "\n"
	}

	if len(recovered) > 0 {
		msg += fmt.Sprintf("✅ **已恢复正常 (%d个)**:\n", len(recovered))
		for i, r := range recovered {
			if i == deltaSectionCap {
				break
			}
			msg += fmt.Sprintf("• %s\n", r.Domain)
		}
		if len(recovered) > deltaSectionCap {
			msg += fmt.Sprintf("• ... 及其他 %d 个\n", len(recovered)-deltaSectionCap)
		}
		msg += "\n"
	}

	if persistentCount > 0 {
		msg += fmt.Sprintf("🔴 **持续异常**: 仍有 %d 个域名未恢复\n输入 `/errors` 查看完整列表\n\n", persistentCount)
	}

	total := len(results)
	failed := 0
	for _, r := range results {
		if !r.IsSuccess() {
			failed++
		}
	}
	msg += fmt.Sprintf("📊 **当前总体**:\n• 监控总数: %d\n• 在线正常: %d\n• 异常域名: %d\n\n",
		total, total-failed, failed)

	msg += "⏰ " + now.Format("2006-01-02 15:04:05") + "\n"
	if !nextRun.IsZero() {
		if diff := nextRun.Sub(now); diff > 0 {
			m, s := countdown(diff)
			msg += fmt.Sprintf("⏰ 下次检查: %d分%d秒后", m, s)
		}
	}
	return []string{msg}
}
