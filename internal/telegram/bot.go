package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dalin7768/domainNameGuard/internal/config"
	"github.com/dalin7768/domainNameGuard/internal/notify"
	"github.com/dalin7768/domainNameGuard/internal/scheduler"
	"github.com/dalin7768/domainNameGuard/internal/tracker"
)

const (
	pollIdlePause  = time.Second
	pollErrorPause = 5 * time.Second
	// processedCap bounds the message-id dedupe memory.
	processedCap = 100
)

// publicCommands need no admin rights.
var publicCommands = map[string]bool{
	"/help":   true,
	"/start":  true,
	"/status": true,
	"/list":   true,
}

// blockingCommands refuse to run twice at once.
var blockingCommands = map[string]bool{
	"/check":   true,
	"/reload":  true,
	"/stop":    true,
	"/restart": true,
}

// request is one parsed inbound command.
type request struct {
	msg    *Message
	chatID string
	args   string
	user   string
}

// Bot polls for chat commands and dispatches them. Each command runs on its
// own goroutine so a long manual check never blocks /stopcheck.
type Bot struct {
	client *Client
	cfg    *config.Manager
	trk    *tracker.Tracker
	sched  *scheduler.Scheduler
	logger *slog.Logger

	handlers map[string]func(context.Context, request)
	exitc    chan int

	mu             sync.Mutex
	executing      map[string]bool
	checkRunning   bool
	processed      map[int64]bool
	processedOrder []int64

	lastUpdateID int64
}

// NewBot assembles the command surface around an API client, the live
// config, the error tracker, and the check scheduler.
func NewBot(client *Client, cfg *config.Manager, trk *tracker.Tracker, sched *scheduler.Scheduler, logger *slog.Logger) *Bot {
	b := &Bot{
		client:    client,
		cfg:       cfg,
		trk:       trk,
		sched:     sched,
		logger:    logger,
		exitc:     make(chan int, 1),
		executing: make(map[string]bool),
		processed: make(map[int64]bool),
	}
	b.handlers = map[string]func(context.Context, request){
		"/help":        b.cmdHelp,
		"/start":       b.cmdStart,
		"/status":      b.cmdStatus,
		"/list":        b.cmdList,
		"/add":         b.cmdAdd,
		"/remove":      b.cmdRemove,
		"/clear":       b.cmdClear,
		"/check":       b.cmdCheck,
		"/stopcheck":   b.cmdStopCheck,
		"/config":      b.cmdConfig,
		"/interval":    b.cmdInterval,
		"/timeout":     b.cmdTimeout,
		"/retry":       b.cmdRetry,
		"/concurrent":  b.cmdConcurrent,
		"/notify":      b.cmdNotify,
		"/autoadjust":  b.cmdAutoAdjust,
		"/errors":      b.cmdErrors,
		"/history":     b.cmdHistory,
		"/ack":         b.cmdAck,
		"/admin":       b.cmdAdmin,
		"/stop":        b.cmdStop,
		"/restart":     b.cmdRestart,
		"/reload":      b.cmdReload,
		"/dailyreport": b.cmdDailyReport,
		"/apikey":      b.cmdAPIKey,
	}
	return b
}

// ExitRequests delivers the process exit code asked for from chat: 0 for
// /stop, 3 for /restart.
func (b *Bot) ExitRequests() <-chan int {
	return b.exitc
}

// Run polls for updates until ctx ends. The pending backlog is skipped once
// at startup so commands sent while the service was down are not replayed.
func (b *Bot) Run(ctx context.Context) error {
	b.skipBacklog(ctx)
	b.logger.Info("listening for chat commands")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		updates, err := b.client.GetUpdates(ctx, b.lastUpdateID+1)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Error("polling updates failed", "error", err)
			if err := sleepCtx(ctx, pollErrorPause); err != nil {
				return err
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID > b.lastUpdateID {
				b.lastUpdateID = u.UpdateID
			}
			go b.dispatch(ctx, u)
		}
		if len(updates) == 0 {
			if err := sleepCtx(ctx, pollIdlePause); err != nil {
				return err
			}
		}
	}
}

func (b *Bot) skipBacklog(ctx context.Context) {
	updates, err := b.client.GetUpdates(ctx, b.lastUpdateID+1)
	if err != nil {
		b.logger.Warn("skipping message backlog failed", "error", err)
		return
	}
	for _, u := range updates {
		if u.UpdateID > b.lastUpdateID {
			b.lastUpdateID = u.UpdateID
		}
	}
	if len(updates) > 0 {
		b.logger.Info("skipped message backlog",
			"updates", len(updates), "last_update_id", b.lastUpdateID)
	}
}

// dispatch filters, authorizes, and runs one update's command.
func (b *Bot) dispatch(ctx context.Context, u Update) {
	m := u.Message
	if m == nil {
		return
	}
	text := strings.TrimSpace(m.Text)
	if text == "" || !strings.HasPrefix(text, "/") {
		return
	}
	if b.seen(m.MessageID) {
		return
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	if !b.cfg.KnownChat(chatID) {
		return
	}

	command := text
	args := ""
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		command, args = text[:i], strings.TrimSpace(text[i+1:])
	}
	command = strings.ToLower(command)
	if at := strings.IndexByte(command, '@'); at >= 0 {
		command = command[:at]
	}

	handler, ok := b.handlers[command]
	if !ok {
		return
	}

	user := ""
	if m.From != nil {
		user = m.From.Username
	}
	req := request{msg: m, chatID: chatID, args: args, user: user}

	if !publicCommands[command] && !b.cfg.IsAdmin(user, chatID) {
		b.reply(ctx, req, "❌ 您没有权限执行此命令")
		return
	}
	if blockingCommands[command] {
		if !b.begin(command) {
			b.reply(ctx, req, fmt.Sprintf("⏳ %s 命令正在执行中，请稍后再试", command))
			b.logger.Warn("command already in flight, ignoring", "command", command)
			return
		}
		defer b.end(command)
	}

	b.logger.Info("executing command",
		"command", command, "args", args, "user", user, "chat_id", chatID)
	handler(ctx, req)
}

// seen records a message id and reports whether it was already handled.
// Offsets normally prevent replays; this catches double delivery.
func (b *Bot) seen(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.processed[id] {
		return true
	}
	b.processed[id] = true
	b.processedOrder = append(b.processedOrder, id)
	if len(b.processedOrder) > processedCap {
		delete(b.processed, b.processedOrder[0])
		b.processedOrder = b.processedOrder[1:]
	}
	return false
}

func (b *Bot) begin(command string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.executing[command] {
		return false
	}
	b.executing[command] = true
	return true
}

func (b *Bot) end(command string) {
	b.mu.Lock()
	delete(b.executing, command)
	b.mu.Unlock()
}

func (b *Bot) reply(ctx context.Context, req request, text string) {
	if err := b.client.Reply(ctx, req.chatID, text, req.msg.MessageID); err != nil {
		b.logger.Error("sending reply failed", "chat_id", req.chatID, "error", err)
	}
}

func (b *Bot) requestExit(code int) {
	select {
	case b.exitc <- code:
	default:
	}
}

func (b *Bot) cmdHelp(ctx context.Context, req request) {
	cfg := b.cfg.Snapshot()
	domains := b.cfg.AllDomains()

	level := cfg.Notification.Level
	switch level {
	case "all":
		level = "始终通知"
	case "error":
		level = "仅错误"
	case "smart":
		level = "智能通知"
	}
	adjust := "🔴 关闭"
	if cfg.Check.AutoAdjustConcurrent {
		adjust = "🟢 开启"
	}
	api := "🔴 禁用"
	if cfg.HTTPAPI.Enabled {
		api = "🟢 启用"
	}

	msg := fmt.Sprintf("📚 **域名监控机器人帮助**\n\n"+
		"⚙️ **当前配置**:\n"+
		"• 监控域名: %d 个\n"+
		"• 检查间隔: %d 分钟\n"+
		"• 超时时间: %d 秒\n"+
		"• 重试次数: %d 次\n"+
		"• 并发数: %d 个\n"+
		"• 自适应并发: %s\n"+
		"• 通知级别: %s\n"+
		"• HTTP API: %s (端口: %d)\n\n",
		len(domains), cfg.Check.IntervalMinutes, cfg.Check.TimeoutSeconds,
		cfg.Check.RetryCount, cfg.Check.MaxConcurrent, adjust, level,
		api, cfg.HTTPAPI.Port)

	msg += "🌟 **基础命令**:\n" +
		"`/help` - 显示帮助和配置信息\n" +
		"`/status` - 查看详细监控状态\n" +
		"`/check` - 立即执行域名检查（防重复执行保护）\n" +
		"`/stopcheck` - 停止当前正在进行的检查\n\n" +
		"📝 **域名管理**:\n" +
		"`/list` - 查看所有监控域名\n" +
		"`/add example.com` - 添加域名（支持批量）\n" +
		"`/remove example.com` - 删除域名（支持批量）\n" +
		"`/clear` - 清空所有域名\n\n" +
		"🔔 **通知设置**:\n" +
		"`/notify` - 查看/设置通知级别\n" +
		"`/notify all` - 始终通知\n" +
		"`/notify error` - 仅错误时通知\n" +
		"`/notify smart` - 智能通知（只通知变化）\n\n" +
		"🔍 **错误管理**:\n" +
		"`/errors` - 查看当前错误状态\n" +
		"`/history [days]` - 查看历史记录\n" +
		"`/ack domain.com` - 确认处理错误\n\n" +
		"🔧 **配置调整**:\n" +
		"`/interval 10` - 设置检查间隔（分钟）\n" +
		"`/timeout 15` - 设置超时时间（秒）\n" +
		"`/retry 3` - 设置重试次数\n" +
		"`/concurrent 20` - 设置并发数\n" +
		"`/autoadjust` - 切换自适应并发\n\n" +
		"🔄 **服务控制**:\n" +
		"`/reload` - 重新加载配置\n" +
		"`/restart` - 重启监控服务\n" +
		"`/stop` - 停止监控服务\n\n" +
		"📊 **统计报告**:\n" +
		"`/dailyreport` - 管理每日报告\n" +
		"`/dailyreport now` - 立即发送报告\n\n" +
		"👥 **管理员**:\n" +
		"`/admin list` - 查看管理员\n" +
		"`/admin add/remove @user` - 管理管理员\n\n" +
		"🔐 **安全**:\n" +
		"`/apikey` - 重新生成HTTP API密钥\n\n" +
		"💡 **使用说明**:\n" +
		"• 支持批量操作，用空格或逗号分隔\n" +
		"• 域名无需 http:// 前缀\n" +
		"• 支持 WebSocket (wss://) 域名\n" +
		"• 配置修改立即生效，无需重启"

	b.reply(ctx, req, msg)
}

func (b *Bot) cmdStart(ctx context.Context, req request) {
	user := req.user
	if user == "" {
		user = "Unknown"
	}
	b.reply(ctx, req, fmt.Sprintf("🚀 **域名监控机器人已启动**\n\n"+
		"欢迎 @%s！\n\n"+
		"我可以帮助您监控域名的可用性，并在域名异常时发送告警。\n\n"+
		"🌟 **快速开始**:\n"+
		"`/add example.com` - 添加域名\n"+
		"`/add site1.com site2.com` - 批量添加\n"+
		"`/list` - 查看所有域名\n"+
		"`/check` - 立即检查\n"+
		"`/help` - 查看更多命令\n\n"+
		"💡 **提示**: 直接输入命令即可，不需要@机器人", user))
}

func (b *Bot) cmdStatus(ctx context.Context, req request) {
	st := b.sched.Status()
	cfg := b.cfg.Snapshot()
	now := time.Now()

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 **监控状态详情**\n\n🔧 **基础信息**\n├ 监控域名数: %d 个\n├ 检查间隔: %d 分钟\n└ 服务状态: 🟢 运行中\n",
		len(b.cfg.AllDomains()), cfg.Check.IntervalMinutes)

	uptime := now.Sub(st.StartedAt)
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60
	uptimeStr := fmt.Sprintf("%d小时 %d分钟", hours, minutes)
	if days > 0 {
		uptimeStr = fmt.Sprintf("%d天 %s", days, uptimeStr)
	}
	fmt.Fprintf(&sb, "\n⏱️ **运行时间**\n└ %s\n", uptimeStr)

	if !st.LastCheck.IsZero() || !st.NextRun.IsZero() {
		sb.WriteString("\n🕐 **检查时间**\n")
		if !st.LastCheck.IsZero() {
			fmt.Fprintf(&sb, "├ 上次检查: %s (%d分钟前)\n",
				st.LastCheck.Format("15:04:05"), int(now.Sub(st.LastCheck).Minutes()))
		}
		if !st.NextRun.IsZero() {
			until := int(time.Until(st.NextRun).Minutes())
			if until < 0 {
				until = 0
			}
			fmt.Fprintf(&sb, "└ 下次检查: %s (%d分钟后)\n", st.NextRun.Format("15:04:05"), until)
		}
	}

	if st.Last.Total > 0 {
		rate := float64(st.Last.Success) / float64(st.Last.Total) * 100
		fmt.Fprintf(&sb, "\n📈 **上次检查结果**\n├ 总数: %d 个\n├ ✅ 正常: %d 个\n├ ❌ 异常: %d 个\n└ 成功率: %.1f%%\n",
			st.Last.Total, st.Last.Success, st.Last.Failed, rate)

		if len(st.Last.ErrorTypes) > 0 {
			sb.WriteString("\n🔍 **错误类型分布**\n")
			type typeCount struct {
				name  string
				count int
			}
			counts := make([]typeCount, 0, len(st.Last.ErrorTypes))
			for name, count := range st.Last.ErrorTypes {
				counts = append(counts, typeCount{name, count})
			}
			sort.Slice(counts, func(i, j int) bool {
				if counts[i].count != counts[j].count {
					return counts[i].count > counts[j].count
				}
				return counts[i].name < counts[j].name
			})
			for i, tc := range counts {
				prefix := "├"
				if i == len(counts)-1 {
					prefix = "└"
				}
				fmt.Fprintf(&sb, "%s %s: %d 个\n", prefix, notify.StatusTitle(tc.name), tc.count)
			}
		}
	}

	if st.Rounds > 0 {
		fmt.Fprintf(&sb, "\n📊 **总体统计**\n└ 总检查次数: %d 次\n", st.Rounds)
	}

	sb.WriteString("\n💡 **快速操作**\n├ /list - 查看域名列表\n├ /check - 立即检查\n└ /help - 查看帮助和配置")
	b.reply(ctx, req, sb.String())
}

func (b *Bot) cmdList(ctx context.Context, req request) {
	domains := b.cfg.DomainsFor(req.chatID)
	if len(domains) == 0 {
		b.reply(ctx, req, "📝 **当前没有监控的域名**\n\n"+
			"💡 快速添加：\n"+
			"`/add example.com`\n"+
			"`/add google.com baidu.com github.com`")
		return
	}

	unique := make(map[string]bool, len(domains))
	for _, d := range domains {
		unique[d] = true
	}

	const maxDisplay = 20
	shown := domains
	if len(domains) > maxDisplay {
		shown = domains[:maxDisplay]
	}
	var list strings.Builder
	for i, d := range shown {
		fmt.Fprintf(&list, "%d. `%s`\n", i+1, d)
	}
	listText := strings.TrimRight(list.String(), "\n")
	if len(domains) > maxDisplay {
		listText += fmt.Sprintf("\n\n... 还有 %d 个域名未显示", len(domains)-maxDisplay)
	}

	msg := fmt.Sprintf("📝 **监控域名列表** (%d 个)\n\n%s\n\n"+
		"💡 **快速操作**:\n"+
		"`/add example.com` - 添加更多\n"+
		"`/remove example.com` - 删除域名\n"+
		"`/check` - 立即检查所有域名", len(domains), listText)
	if len(unique) != len(domains) {
		msg += fmt.Sprintf("\n\n⚠️ **发现 %d 个重复域名**\n实际唯一域名数: %d 个",
			len(domains)-len(unique), len(unique))
	}
	b.reply(ctx, req, msg)
}

// splitList breaks a batch argument on whitespace and commas.
func splitList(args string) []string {
	return strings.Fields(strings.ReplaceAll(args, ",", " "))
}

func (b *Bot) cmdAdd(ctx context.Context, req request) {
	if req.args == "" {
		b.reply(ctx, req, "❌ 请提供要添加的域名\n\n"+
			"💡 **使用示例**:\n"+
			"`/add example.com`\n"+
			"`/add google.com baidu.com`\n"+
			"`/add example1.com example2.com example3.com`\n\n"+
			"⚠️ 不需要添加 http:// 前缀")
		return
	}

	var added, failed []string
	for _, url := range splitList(req.args) {
		if _, err := b.cfg.AddDomain(req.chatID, url); err != nil {
			failed = append(failed, fmt.Sprintf("%s (%s)", url, err))
		} else {
			added = append(added, url)
		}
	}
	if len(added) == 0 && len(failed) == 0 {
		b.reply(ctx, req, "❌ 没有有效的域名")
		return
	}

	var sb strings.Builder
	if len(added) > 0 {
		fmt.Fprintf(&sb, "✅ **成功添加 %d 个域名**\n", len(added))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&sb, "\n❌ **失败 %d 个**:\n", len(failed))
		for _, item := range failed {
			fmt.Fprintf(&sb, "  • %s\n", item)
		}
	}
	fmt.Fprintf(&sb, "\n📋 当前共监控 **%d** 个域名", len(b.cfg.DomainsFor(req.chatID)))
	b.reply(ctx, req, sb.String())
}

func (b *Bot) cmdRemove(ctx context.Context, req request) {
	if req.args == "" {
		b.reply(ctx, req, "❌ 请提供要删除的域名\n\n"+
			"💡 **使用示例**:\n"+
			"`/remove example.com`\n"+
			"`/remove google.com baidu.com`\n"+
			"`/remove example1.com example2.com`")
		return
	}

	var removed, missing []string
	for _, url := range splitList(req.args) {
		if _, err := b.cfg.RemoveDomain(req.chatID, url); err != nil {
			missing = append(missing, fmt.Sprintf("%s (不存在)", url))
		} else {
			removed = append(removed, url)
		}
	}
	if len(removed) == 0 && len(missing) == 0 {
		b.reply(ctx, req, "❌ 没有有效的域名")
		return
	}

	var sb strings.Builder
	if len(removed) > 0 {
		fmt.Fprintf(&sb, "❌ **成功删除 %d 个域名**:\n", len(removed))
		for _, url := range removed {
			fmt.Fprintf(&sb, "  • %s\n", url)
		}
	}
	if len(missing) > 0 {
		fmt.Fprintf(&sb, "\n⚠️ **未找到 %d 个**:\n", len(missing))
		for _, item := range missing {
			fmt.Fprintf(&sb, "  • %s\n", item)
		}
	}
	fmt.Fprintf(&sb, "\n📋 当前剩余 **%d** 个域名", len(b.cfg.DomainsFor(req.chatID)))
	b.reply(ctx, req, sb.String())
}

func (b *Bot) cmdClear(ctx context.Context, req request) {
	msg, err := b.cfg.ClearDomains(req.chatID)
	if err != nil {
		b.reply(ctx, req, "❌ "+err.Error())
		return
	}
	b.reply(ctx, req, "✅ "+msg)
}

func (b *Bot) cmdCheck(ctx context.Context, req request) {
	b.mu.Lock()
	if b.checkRunning {
		b.mu.Unlock()
		b.reply(ctx, req, "⏳ 域名检查正在进行中，请等待完成后再试")
		return
	}
	b.checkRunning = true
	b.mu.Unlock()

	// The run outlives this handler; results go out through the usual
	// notification path.
	go func() {
		defer func() {
			b.mu.Lock()
			b.checkRunning = false
			b.mu.Unlock()
		}()
		if err := b.sched.RunCheck(ctx, true); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("manual check failed", "error", err)
		}
	}()
}

func (b *Bot) cmdStopCheck(ctx context.Context, req request) {
	if !b.sched.Checking() {
		b.reply(ctx, req, "ℹ️ 当前没有正在进行的域名检查")
		return
	}
	b.reply(ctx, req, "⏹️ 正在停止当前的域名检查...")
	b.sched.StopCheck()
	b.reply(ctx, req, "✅ 域名检查已停止")
}

func (b *Bot) cmdConfig(ctx context.Context, req request) {
	cfg := b.cfg.Snapshot()
	api := "禁用"
	if cfg.HTTPAPI.Enabled {
		api = "启用"
	}
	b.reply(ctx, req, fmt.Sprintf("⚙️ **当前配置信息**\n\n"+
		"🔄 检查间隔: %d 分钟\n"+
		"⚡ 最大并发: %d\n"+
		"⏱️ 超时时间: %d 秒\n"+
		"🔔 通知级别: %s\n"+
		"🌐 监控域名: %d 个\n"+
		"🌍 HTTP API: %s (端口: %d)",
		cfg.Check.IntervalMinutes, cfg.Check.MaxConcurrent,
		cfg.Check.TimeoutSeconds, cfg.Notification.Level,
		len(b.cfg.AllDomains()), api, cfg.HTTPAPI.Port))
}

func (b *Bot) cmdInterval(ctx context.Context, req request) {
	if req.args == "" {
		b.reply(ctx, req, "❌ 请提供间隔时间（分钟）\n\n示例: `/interval 10`")
		return
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(req.args))
	if err != nil {
		b.reply(ctx, req, "❌ 请输入有效的数字")
		return
	}

	old := b.cfg.Snapshot().Check.IntervalMinutes
	msg, err := b.cfg.SetInterval(minutes)
	if err != nil {
		b.reply(ctx, req, "❌ "+err.Error())
		return
	}
	b.reply(ctx, req, "✅ "+msg)

	if old != minutes {
		b.reply(ctx, req, "🔄 正在重新加载配置以应用新的间隔时间...")
		b.reloadAndNotify(ctx, req)
	}
}

func (b *Bot) cmdTimeout(ctx context.Context, req request) {
	if req.args == "" {
		b.reply(ctx, req, "❌ 请提供超时时间（秒）\n\n示例: `/timeout 10`")
		return
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(req.args))
	if err != nil {
		b.reply(ctx, req, "❌ 请输入有效的数字")
		return
	}
	msg, err := b.cfg.SetTimeout(seconds)
	if err != nil {
		b.reply(ctx, req, "❌ "+err.Error())
		return
	}
	b.reply(ctx, req, "✅ "+msg)
}

func (b *Bot) cmdRetry(ctx context.Context, req request) {
	if req.args == "" {
		b.reply(ctx, req, "❌ 请提供重试次数\n\n示例: `/retry 3`")
		return
	}
	count, err := strconv.Atoi(strings.TrimSpace(req.args))
	if err != nil {
		b.reply(ctx, req, "❌ 请输入有效的数字")
		return
	}
	msg, err := b.cfg.SetRetry(count)
	if err != nil {
		b.reply(ctx, req, "❌ "+err.Error())
		return
	}
	b.reply(ctx, req, "✅ "+msg)
}

func (b *Bot) cmdConcurrent(ctx context.Context, req request) {
	if req.args == "" {
		b.reply(ctx, req, "❌ 请提供并发数\n\n示例: `/concurrent 20`")
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(req.args))
	if err != nil {
		b.reply(ctx, req, "❌ 请输入有效的数字")
		return
	}
	msg, err := b.cfg.SetMaxConcurrent(n)
	if err != nil {
		b.reply(ctx, req, "❌ "+err.Error())
		return
	}
	b.reply(ctx, req, "✅ "+msg)
}

func (b *Bot) cmdNotify(ctx context.Context, req request) {
	if req.args == "" {
		b.reply(ctx, req, fmt.Sprintf("🔔 **通知级别设置**\n\n"+
			"当前级别: `%s`\n\n"+
			"可用级别：\n"+
			"`/notify all` - 始终通知（不管成功与否）\n"+
			"`/notify error` - 仅错误时通知\n"+
			"`/notify smart` - 智能通知（只通知变化）\n\n"+
			"💡 **智能通知说明**：\n"+
			"• 新增错误时通知\n"+
			"• 域名恢复时通知\n"+
			"• 错误类型变化时通知\n"+
			"• 重复错误不通知", b.cfg.Snapshot().Notification.Level))
		return
	}

	level := strings.ToLower(strings.TrimSpace(req.args))
	switch level {
	case "all", "error", "smart":
	default:
		b.reply(ctx, req, "❌ 无效的通知级别\n\n请使用: `all`, `error` 或 `smart`")
		return
	}
	if err := b.cfg.SetNotifyLevel(level); err != nil {
		b.reply(ctx, req, "❌ "+err.Error())
		return
	}

	desc := map[string]string{
		"all":   "始终通知",
		"error": "仅错误时通知",
		"smart": "智能通知（只通知变化）",
	}
	b.reply(ctx, req, fmt.Sprintf("✅ **通知级别已更改**\n\n当前设置: %s", desc[level]))
}

func (b *Bot) cmdAutoAdjust(ctx context.Context, req request) {
	on, err := b.cfg.ToggleAutoAdjust()
	if err != nil {
		b.reply(ctx, req, "❌ "+err.Error())
		return
	}
	state := "关闭"
	if on {
		state = "开启"
	}
	b.reply(ctx, req, "✅ 自适应并发已"+state)
}

func (b *Bot) cmdErrors(ctx context.Context, req request) {
	pages := notify.CurrentErrors(b.trk.Unacknowledged(), b.trk.AcknowledgedErrors())
	for _, page := range pages {
		b.reply(ctx, req, page)
	}
}

func (b *Bot) cmdHistory(ctx context.Context, req request) {
	days := 7
	domain := ""
	for _, part := range strings.Fields(req.args) {
		if n, err := strconv.Atoi(part); err == nil {
			days = n
		} else {
			domain = part
		}
	}
	b.reply(ctx, req, notify.HistoryReport(b.trk.Statistics(days), b.trk.History(domain, days), days))
}

func (b *Bot) cmdAck(ctx context.Context, req request) {
	if req.args == "" {
		b.reply(ctx, req, "❌ 请指定域名\n\n"+
			"示例: `/ack example.com`\n"+
			"或: `/ack example.com 已联系运维处理`")
		return
	}

	domain, notes, _ := strings.Cut(req.args, " ")
	notes = strings.TrimSpace(notes)
	if !b.trk.Acknowledge(domain, notes) {
		b.reply(ctx, req, fmt.Sprintf("⚠️ 域名 %s 当前没有错误", domain))
		return
	}

	display := notes
	if display == "" {
		display = "无"
	}
	b.reply(ctx, req, fmt.Sprintf("✅ **已确认处理**\n\n"+
		"域名: %s\n备注: %s\n\n"+
		"该域名将不再重复通知，直到恢复正常", domain, display))
}

func (b *Bot) cmdAdmin(ctx context.Context, req request) {
	if req.args == "" {
		b.reply(ctx, req, "❌ 请提供子命令\n\n"+
			"**示例**:\n"+
			"`/admin add @username` - 添加管理员\n"+
			"`/admin remove @username` - 移除管理员\n"+
			"`/admin list` - 查看管理员列表")
		return
	}

	parts := strings.Fields(req.args)
	switch strings.ToLower(parts[0]) {
	case "list":
		admins := b.cfg.Snapshot().Telegram.AdminUsers
		if len(admins) == 0 {
			b.reply(ctx, req, "📝 当前没有设置管理员\n\n所有人都可以执行命令")
			return
		}
		var sb strings.Builder
		for _, a := range admins {
			fmt.Fprintf(&sb, "• `%s`\n", a)
		}
		b.reply(ctx, req, "👥 **管理员列表**:\n\n"+strings.TrimRight(sb.String(), "\n"))

	case "add", "remove":
		if len(parts) < 2 {
			b.reply(ctx, req, "❌ 请提供用户名\n\n示例: `/admin add @username`")
			return
		}
		var msg string
		var err error
		if parts[0] == "add" {
			msg, err = b.cfg.AddAdmin(parts[1])
		} else {
			msg, err = b.cfg.RemoveAdmin(parts[1])
		}
		if err != nil {
			b.reply(ctx, req, "❌ "+err.Error())
			return
		}
		b.reply(ctx, req, "✅ "+msg)

	default:
		b.reply(ctx, req, "❌ 未知的子命令")
	}
}

func (b *Bot) cmdStop(ctx context.Context, req request) {
	b.reply(ctx, req, "🛑 正在强制停止监控服务...")
	b.logger.Info("stop requested from chat", "user", req.user)
	b.requestExit(0)
}

func (b *Bot) cmdRestart(ctx context.Context, req request) {
	b.reply(ctx, req, "🔄 **正在重启服务**\n\n服务将在几秒后重新启动...")
	b.logger.Info("restart requested from chat", "user", req.user)
	b.requestExit(3)
}

func (b *Bot) cmdReload(ctx context.Context, req request) {
	b.reply(ctx, req, "🔄 正在重新加载配置...")
	b.reloadAndNotify(ctx, req)
}

// reloadAndNotify re-reads the configuration and reports the outcome, shared
// by /reload and the /interval shortcut.
func (b *Bot) reloadAndNotify(ctx context.Context, req request) {
	oldInterval, newInterval, err := b.sched.Reload()
	if err != nil {
		b.reply(ctx, req, fmt.Sprintf("❌ 配置重新加载失败: %s", err))
		return
	}
	b.reply(ctx, req, notify.ReloadNotice(oldInterval, newInterval))
}

func (b *Bot) cmdDailyReport(ctx context.Context, req request) {
	if req.args == "" {
		dr := b.cfg.Snapshot().DailyReport
		state := "❌ 已禁用"
		if dr.Enabled {
			state = "✅ 已启用"
		}
		b.reply(ctx, req, fmt.Sprintf("📊 **每日报告设置**\n\n"+
			"状态: %s\n发送时间: %s\n\n"+
			"**使用方法**:\n"+
			"`/dailyreport enable` - 启用每日报告\n"+
			"`/dailyreport disable` - 禁用每日报告\n"+
			"`/dailyreport time 08:00` - 设置发送时间\n"+
			"`/dailyreport now` - 立即发送今日报告", state, dr.Time))
		return
	}

	parts := strings.Fields(req.args)
	switch strings.ToLower(parts[0]) {
	case "enable":
		if err := b.cfg.SetDailyReportEnabled(true); err != nil {
			b.reply(ctx, req, "❌ "+err.Error())
			return
		}
		b.reply(ctx, req, fmt.Sprintf("✅ 每日报告已启用\n\n报告将在每天 %s 发送",
			b.cfg.Snapshot().DailyReport.Time))

	case "disable":
		if err := b.cfg.SetDailyReportEnabled(false); err != nil {
			b.reply(ctx, req, "❌ "+err.Error())
			return
		}
		b.reply(ctx, req, "❌ 每日报告已禁用")

	case "time":
		if len(parts) < 2 {
			b.reply(ctx, req, "❌ 请提供时间\n\n示例: `/dailyreport time 08:00`")
			return
		}
		if _, err := config.ParseClock(parts[1]); err != nil {
			b.reply(ctx, req, "❌ 无效的时间格式\n\n请使用 HH:MM 格式，如 08:00")
			return
		}
		if err := b.cfg.SetDailyReportTime(parts[1]); err != nil {
			b.reply(ctx, req, "❌ "+err.Error())
			return
		}
		b.reply(ctx, req, "⏰ 每日报告时间已设置为: "+parts[1])

	case "now":
		b.reply(ctx, req, "📊 正在生成今日统计报告...")
		if err := b.sched.SendDailyReport(ctx); err != nil {
			b.logger.Error("on-demand daily report failed", "error", err)
			b.reply(ctx, req, "❌ 发送报告失败，请稍后再试")
		}

	default:
		b.reply(ctx, req, "❌ 未知的子命令")
	}
}

func (b *Bot) cmdAPIKey(ctx context.Context, req request) {
	key, err := b.cfg.RotateAPIKey()
	if err != nil {
		b.reply(ctx, req, "❌ 更新API密钥失败: "+err.Error())
		return
	}
	masked := key
	if len(key) > 12 {
		masked = key[:8] + "***" + key[len(key)-4:]
	}
	b.reply(ctx, req, fmt.Sprintf("🔑 **API密钥已更新**\n\n"+
		"新密钥: `%s`\n"+
		"完整密钥已保存到配置文件\n\n"+
		"⚠️ **重要提醒**:\n"+
		"• 请更新所有使用API的客户端\n"+
		"• 旧密钥将立即失效\n"+
		"• 如需重启服务请使用 `/restart`", masked))
	b.logger.Info("api key rotated", "user", req.user)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
