package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron"
	"golang.org/x/sync/errgroup"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/rule"
	"github.com/nafabric/nafabric/internal/storage"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// ErrReloadAborted 等待 DataSender 排空时被取消，规则未切换
var ErrReloadAborted = errors.New("parser: rule reload aborted")

// Options Parser 构造参数
type Options struct {
	// Name 不带前缀的 Parser 名称
	Name     string
	RuleID   string
	Host     string
	Config   config.ParserConfig
	Archiver storage.Archiver
}

// RotateSpec 原始文件切换的 cron 表达式（秒 分 时 日 月 周）
func RotateSpec(hours, slack int) string {
	if hours <= 0 {
		hours = 3
	}
	if slack < 0 {
		slack = 0
	}
	return fmt.Sprintf("%d 0 */%d * * *", slack, hours)
}

// pendingMsg 规则重载期间写入临时文件的消息
type pendingMsg struct {
	ne     string
	portNo uint32
	loc    Location
}

// Parser 原始消息落盘、识别并分发给各消费者的 DataSender
type Parser struct {
	opts  Options
	guid  *wire.GUIDGenerator
	store rule.Store

	// mu 原始文件写侧锁，同时保护重载状态
	mu        sync.Mutex
	raw       *RawLog
	reloading bool
	tmp       *rawFile
	pending   []pendingMsg
	senders   []*DataSender

	reloadMu sync.Mutex
	cron     *cron.Cron
}

// New 打开原始文件并加载规则；规则加载失败时以空规则集运行，等待下一次重载
func New(opts Options) (*Parser, error) {
	dir := opts.Config.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	raw, err := OpenRawLog(dir, opts.Name)
	if err != nil {
		return nil, err
	}
	p := &Parser{opts: opts, raw: raw, guid: wire.NewGUIDGenerator(opts.Host)}
	if rs, err := p.loadRules(); err != nil {
		logger.Errorf("Parser(%s) initial rule load failed: %v", opts.Name, err)
	} else {
		p.store.Swap(rs)
	}
	return p, nil
}

func (p *Parser) loadRules() (*rule.RuleSet, error) {
	return rule.Load(p.opts.Config.RuleDir, p.opts.RuleID, rule.Options{
		Delimiter: p.opts.Config.Delimiter,
		Sentinels: p.opts.Config.Sentinels,
	})
}

// Rules 当前规则集
func (p *Parser) Rules() *rule.RuleSet {
	return p.store.Current()
}

// RawPath 当前原始文件路径
func (p *Parser) RawPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raw.Path()
}

// AddConsumer 为消费者创建 DataSender
func (p *Parser) AddConsumer(consumer string) *DataSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := NewDataSender(consumer, len(p.senders)+1, p.guid, p.opts.Config.PollInterval, p.opts.Config.SegBlockSize)
	p.senders = append(p.senders, s)
	return s
}

// Senders 全部 DataSender
func (p *Parser) Senders() []*DataSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*DataSender(nil), p.senders...)
}

// Handle 落盘一条 NE 回复并按识别结果为每个消费者入队
func (p *Parser) Handle(ne string, portNo uint32, data []byte) error {
	text := bytes.TrimLeft(bytes.TrimRight(data, " \t\r\n\x00"), "\r\n")
	if len(text) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reloading {
		loc, err := p.tmp.append(text)
		if err != nil {
			return err
		}
		p.pending = append(p.pending, pendingMsg{ne: ne, portNo: portNo, loc: loc})
		return nil
	}
	loc, err := p.raw.Append(text)
	if err != nil {
		return err
	}
	p.dispatch(ne, portNo, loc, text)
	return nil
}

// dispatch 调用方持有 p.mu
func (p *Parser) dispatch(ne string, portNo uint32, loc Location, text []byte) {
	rs := p.store.Current()
	ident := rs.Identify(rule.NewMessage(string(text)))
	if ident == nil {
		logger.Debugf("Parser(%s) message from %s not identified", p.opts.Name, ne)
		return
	}
	for _, s := range p.senders {
		if !rule.AdmitsConsumer(ident.Consumers, s.consumer) {
			continue
		}
		s.Enqueue(&ExtractDataInfo{
			ID:       infoSeq.Add(1),
			Rules:    rs,
			Ident:    ident,
			IDString: ident.IDString,
			NE:       ne,
			PortNo:   portNo,
			Loc:      loc,
			Consumer: s.consumer,
		})
	}
}

// Rotate 切换原始文件并通知每个 DataSender 重新打开
func (p *Parser) Rotate() error {
	p.mu.Lock()
	old, err := p.raw.Rotate()
	if old != "" {
		for _, s := range p.senders {
			s.Enqueue(newChangeFlag(s.consumer))
		}
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if old != "" {
		logger.Infof("Parser(%s) raw file rotated: %s", p.opts.Name, filepath.Base(old))
		if p.opts.Config.ArchiveRaw && p.opts.Archiver != nil {
			go p.archive(old)
		}
	}
	return nil
}

func (p *Parser) archive(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	meta := storage.Meta{Host: p.opts.Host, Process: p.opts.Name, Date: time.Now().Format("20060102")}
	obj, err := p.opts.Archiver.Archive(ctx, meta, path)
	if err != nil {
		logger.Warnf("Parser(%s) archive %s failed: %v", p.opts.Name, path, err)
		return
	}
	logger.Infof("Parser(%s) archived %s to %s", p.opts.Name, filepath.Base(path), obj.URI)
}

// Reload 重新加载规则：新消息先转入临时文件，等待全部 DataSender 排空后切换规则，
// 再用新规则重放临时文件中的消息。加载失败时旧规则继续服务
func (p *Parser) Reload(ctx context.Context) error {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	rs, err := p.loadRules()
	if err != nil {
		logger.Errorf("Parser(%s) rule reload failed, keeping rule set loaded at %s: %v",
			p.opts.Name, p.loadedAt(), err)
		return err
	}

	p.mu.Lock()
	tmp, err := openRawFile(p.raw.Path() + TmpSuffix)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.tmp = tmp
	p.reloading = true
	senders := append([]*DataSender(nil), p.senders...)
	p.mu.Unlock()

	lockErr := <-NewLockManager(senders).Lock(ctx)
	if lockErr == nil {
		p.store.Swap(rs)
		logger.Infof("Parser(%s) rule set %s swapped", p.opts.Name, rs.RuleID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	replayed := p.replay()
	p.reloading = false
	p.tmp = nil
	_ = tmp.close()
	_ = os.Remove(tmp.path)
	logger.Infof("Parser(%s) replayed %d buffered messages", p.opts.Name, replayed)
	if lockErr != nil {
		return fmt.Errorf("%w: %v", ErrReloadAborted, lockErr)
	}
	return nil
}

func (p *Parser) loadedAt() string {
	if rs := p.store.Current(); rs != nil {
		return rs.LoadedAt.Format("2006-01-02 15:04:05")
	}
	return "never"
}

// replay 调用方持有 p.mu
func (p *Parser) replay() int {
	pending := p.pending
	p.pending = nil
	r := newRawReader()
	defer r.closeAll()
	n := 0
	for _, m := range pending {
		text, err := r.read(m.loc)
		if err != nil {
			logger.Errorf("Parser(%s) replay: %v", p.opts.Name, err)
			continue
		}
		loc, err := p.raw.Append(text)
		if err != nil {
			logger.Errorf("Parser(%s) replay: %v", p.opts.Name, err)
			continue
		}
		p.dispatch(m.ne, m.portNo, loc, text)
		n++
	}
	return n
}

// Run 启动 DataSender、切换定时器与可选的规则目录监视，阻塞直到 ctx 取消
func (p *Parser) Run(ctx context.Context) error {
	p.cron = cron.New()
	spec := RotateSpec(p.opts.Config.RotateHours, p.opts.Config.RotateSlack)
	if err := p.cron.AddFunc(spec, func() {
		if err := p.Rotate(); err != nil {
			logger.Errorf("Parser(%s) rotate: %v", p.opts.Name, err)
		}
	}); err != nil {
		return fmt.Errorf("rotate schedule %q: %w", spec, err)
	}
	p.cron.Start()
	defer p.cron.Stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range p.Senders() {
		s := s
		g.Go(func() error { return s.Run(ctx) })
	}

	if p.opts.Config.WatchRules && p.opts.Config.RuleDir != "" {
		g.Go(func() error { return p.watchRules(ctx) })
	}

	<-ctx.Done()
	err := g.Wait()
	p.mu.Lock()
	_ = p.raw.Close()
	p.mu.Unlock()
	return err
}

// watchRules 规则目录变化后延迟 1 秒触发一次重载
func (p *Parser) watchRules(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rule watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(p.opts.Config.RuleDir); err != nil {
		return fmt.Errorf("watch %s: %w", p.opts.Config.RuleDir, err)
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !p.isRuleFile(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(time.Second, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("Parser(%s) rule watcher: %v", p.opts.Name, err)
		case <-fire:
			logger.Infof("Parser(%s) rule files changed, reloading", p.opts.Name)
			if err := p.Reload(ctx); err != nil {
				logger.Warnf("Parser(%s) reload: %v", p.opts.Name, err)
			}
		}
	}
}

func (p *Parser) isRuleFile(name string) bool {
	base := filepath.Base(name)
	return base == rule.MappingFileName ||
		(strings.HasPrefix(base, p.opts.RuleID+"_") && strings.HasSuffix(base, ".RULE"))
}
