package web

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantsim/backtest"
	"quantsim/database"
	"quantsim/event"
	"quantsim/lock"
	"quantsim/logger"
	"quantsim/metrics"
)

var (
	// ErrRunNotFound 回测不存在
	ErrRunNotFound = errors.New("回测不存在")
	// ErrRunFinished 回测已结束，不能取消
	ErrRunFinished = errors.New("回测已结束")
	// ErrManagerClosed 管理器已关闭
	ErrManagerClosed = errors.New("回测管理器已关闭")
)

// CandleProvider 历史K线来源（marketdata.Loader 实现）
type CandleProvider interface {
	GetHistoricalData(ctx context.Context, symbol, interval string, start, end time.Time) ([]backtest.Candle, error)
}

// FundingProvider 历史资金费率来源（可选）
type FundingProvider interface {
	GetFundingRates(ctx context.Context, symbol string, start, end time.Time) ([]backtest.FundingRate, error)
}

// RunRequest 提交回测请求
type RunRequest struct {
	Config    backtest.Config `json:"config"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
}

// RunView 回测状态视图
type RunView struct {
	ID          string                   `json:"id"`
	Status      backtest.RunStatus       `json:"status"`
	Progress    float64                  `json:"progress"`
	Symbol      string                   `json:"symbol"`
	Timeframe   string                   `json:"timeframe"`
	Strategy    string                   `json:"strategy"`
	Error       string                   `json:"error,omitempty"`
	SubmittedAt time.Time                `json:"submitted_at"`
	FinishedAt  *time.Time               `json:"finished_at,omitempty"`
	Metrics     *backtest.Metrics        `json:"metrics,omitempty"`
	Result      *backtest.BacktestResult `json:"result,omitempty"`
}

// RunManagerConfig 回测管理器配置
type RunManagerConfig struct {
	MaxConcurrent    int
	ProgressThrottle time.Duration // 进度写库最小间隔
	LockTTL          time.Duration
	ReportDir        string // 为空时不生成报告
	ReportLanguage   string
	EquityCSV        bool
}

// RunManager 管理 serve 模式下提交的回测
// 并发数由信号量限制，进度节流写库，事件经 EventBus 推送到 WebSocket
type RunManager struct {
	cfg     RunManagerConfig
	data    CandleProvider
	funding FundingProvider
	db      database.Database
	bus     *event.EventBus
	locker  lock.DistributedLock
	prom    *metrics.PrometheusMetrics
	stats   *metrics.StatsCollector

	sem    chan struct{}
	mu     sync.RWMutex
	runs   map[string]*runEntry
	active int
	closed bool
	wg     sync.WaitGroup
}

type runEntry struct {
	view   RunView
	cancel context.CancelFunc
	done   chan struct{}
}

// RunManagerOption 可选依赖
type RunManagerOption func(*RunManager)

// WithDatabase 回测记录落库
func WithDatabase(db database.Database) RunManagerOption {
	return func(m *RunManager) { m.db = db }
}

// WithEventBus 回测事件总线
func WithEventBus(bus *event.EventBus) RunManagerOption {
	return func(m *RunManager) { m.bus = bus }
}

// WithLock 加载同一交易对数据时互斥，避免多实例重复下载
func WithLock(l lock.DistributedLock) RunManagerOption {
	return func(m *RunManager) { m.locker = l }
}

// WithFunding 历史资金费率
func WithFunding(f FundingProvider) RunManagerOption {
	return func(m *RunManager) { m.funding = f }
}

// WithStats 汇总统计
func WithStats(s *metrics.StatsCollector) RunManagerOption {
	return func(m *RunManager) { m.stats = s }
}

// NewRunManager 创建回测管理器
func NewRunManager(cfg RunManagerConfig, data CandleProvider, opts ...RunManagerOption) *RunManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.ProgressThrottle <= 0 {
		cfg.ProgressThrottle = time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}

	m := &RunManager{
		cfg:    cfg,
		data:   data,
		locker: lock.NewNopLock(),
		prom:   metrics.GetPrometheusMetrics(),
		stats:  metrics.NewStatsCollector(),
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		runs:   make(map[string]*runEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stats 汇总统计
func (m *RunManager) Stats() metrics.RunStats {
	return m.stats.Snapshot()
}

// Database 结果库，未配置时为 nil
func (m *RunManager) Database() database.Database {
	return m.db
}

// Submit 校验配置并提交回测，立即返回回测ID
func (m *RunManager) Submit(ctx context.Context, req RunRequest) (string, error) {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if _, err := backtest.NewStrategy(cfg.Strategy, cfg.StrategyParams); err != nil {
		return "", &backtest.ConfigurationError{Field: "strategy", Reason: err.Error()}
	}
	if req.StartTime.IsZero() || !req.EndTime.After(req.StartTime) {
		return "", &backtest.ConfigurationError{Field: "end_time", Reason: "结束时间必须晚于开始时间"}
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	entry := &runEntry{
		view: RunView{
			ID:          id,
			Status:      backtest.StatusPending,
			Symbol:      cfg.Symbol,
			Timeframe:   cfg.Timeframe,
			Strategy:    cfg.Strategy,
			SubmittedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrManagerClosed
	}
	m.runs[id] = entry
	m.wg.Add(1)
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.SaveRun(ctx, database.NewRun(id, cfg)); err != nil {
			logger.Warn("⚠️ 保存回测记录失败 [%s]: %v", id, err)
		}
	}

	logger.Info("📥 已提交回测 [%s]: %s %s %s", id, cfg.Symbol, cfg.Timeframe, cfg.Strategy)
	go m.execute(runCtx, entry, cfg, req.StartTime, req.EndTime)
	return id, nil
}

// execute 等待并发名额后执行回测
func (m *RunManager) execute(ctx context.Context, entry *runEntry, cfg backtest.Config, start, end time.Time) {
	defer m.wg.Done()
	defer close(entry.done)
	defer entry.cancel()

	id := entry.view.ID
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.finish(entry, abortedResult(entry, backtest.StatusCancelled, backtest.ErrCancelled.Error()), 0)
		return
	}
	defer func() { <-m.sem }()

	m.setActive(1)
	defer m.setActive(-1)

	began := time.Now()
	candles, err := m.loadData(ctx, &cfg, start, end)
	if err != nil {
		status := backtest.StatusFailed
		if ctx.Err() != nil {
			status = backtest.StatusCancelled
		}
		logger.Error("❌ 加载回测数据失败 [%s]: %v", id, err)
		m.finish(entry, abortedResult(entry, status, err.Error()), time.Since(began))
		return
	}

	strategy, err := backtest.NewStrategy(cfg.Strategy, cfg.StrategyParams)
	if err != nil {
		m.finish(entry, abortedResult(entry, backtest.StatusFailed, err.Error()), time.Since(began))
		return
	}

	progress := make(chan backtest.Progress, 16)
	opts := []backtest.Option{backtest.WithRunID(id), backtest.WithProgress(progress)}
	if m.bus != nil {
		opts = append(opts, backtest.WithEventBus(m.bus))
	}
	bt := backtest.NewBacktester(cfg, candles, strategy, opts...)

	m.update(id, func(v *RunView) { v.Status = backtest.StatusRunning })
	if m.db != nil {
		if err := m.db.UpdateRunStatus(ctx, id, backtest.StatusRunning, 0, ""); err != nil {
			logger.Warn("⚠️ 更新回测状态失败 [%s]: %v", id, err)
		}
	}

	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		m.trackProgress(id, progress)
	}()

	result, runErr := bt.Run(ctx)
	close(progress)
	<-progressDone

	if result == nil {
		msg := "回测未返回结果"
		if runErr != nil {
			msg = runErr.Error()
		}
		result = abortedResult(entry, backtest.StatusFailed, msg)
	}
	m.finish(entry, result, time.Since(began))
}

// loadData 持锁加载K线，同一交易对周期同时只有一个实例在下载
func (m *RunManager) loadData(ctx context.Context, cfg *backtest.Config, start, end time.Time) ([]backtest.Candle, error) {
	key := fmt.Sprintf("candles:%s:%s", cfg.Symbol, cfg.Timeframe)
	if err := m.locker.Lock(ctx, key, m.cfg.LockTTL); err != nil {
		m.prom.RecordLockAcquire("failed")
		return nil, fmt.Errorf("获取数据锁失败: %w", err)
	}
	m.prom.RecordLockAcquire("acquired")
	defer m.locker.Unlock(context.Background(), key)

	candles, err := m.data.GetHistoricalData(ctx, cfg.Symbol, cfg.Timeframe, start, end)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("未获取到历史数据: %s %s", cfg.Symbol, cfg.Timeframe)
	}

	if m.funding != nil && cfg.MarketType == backtest.MarketFutures && len(cfg.FundingRates) == 0 {
		rates, err := m.funding.GetFundingRates(ctx, cfg.Symbol, start, end)
		if err != nil {
			logger.Warn("⚠️ 获取资金费率失败，使用固定费率: %v", err)
		} else {
			cfg.FundingRates = rates
		}
	}
	return candles, nil
}

// trackProgress 更新内存进度，按节流间隔写库
func (m *RunManager) trackProgress(id string, progress <-chan backtest.Progress) {
	var lastWrite time.Time
	for p := range progress {
		m.update(id, func(v *RunView) { v.Progress = p.Percent })
		if m.db == nil || time.Since(lastWrite) < m.cfg.ProgressThrottle {
			continue
		}
		lastWrite = time.Now()
		if err := m.db.UpdateRunStatus(context.Background(), id, backtest.StatusRunning, p.Percent, ""); err != nil {
			logger.Debug("更新回测进度失败 [%s]: %v", id, err)
		}
	}
}

// finish 记录终止状态、落库、统计和报告
func (m *RunManager) finish(entry *runEntry, result *backtest.BacktestResult, duration time.Duration) {
	id := entry.view.ID
	now := time.Now()
	m.update(id, func(v *RunView) {
		v.Status = result.Status
		v.Error = result.Error
		v.FinishedAt = &now
		if result.Status == backtest.StatusCompleted {
			v.Progress = 100
			metricsCopy := result.Metrics
			v.Metrics = &metricsCopy
			v.Result = result
		}
	})

	m.prom.RecordRun(result, duration)
	m.stats.Record(result)

	if m.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var err error
		if result.Status == backtest.StatusCompleted {
			err = m.db.SaveResult(ctx, result)
		} else {
			err = m.db.UpdateRunStatus(ctx, id, result.Status, result.Progress, result.Error)
		}
		if err != nil {
			logger.Error("❌ 保存回测结果失败 [%s]: %v", id, err)
		}
	}

	if result.Status == backtest.StatusCompleted && m.cfg.ReportDir != "" {
		if path, err := backtest.GenerateReport(result, m.cfg.ReportDir, m.cfg.ReportLanguage); err != nil {
			logger.Warn("⚠️ 生成报告失败 [%s]: %v", id, err)
		} else {
			logger.Info("📄 报告已生成: %s", path)
		}
		if m.cfg.EquityCSV {
			if _, err := backtest.SaveEquityCurveCSV(result, m.cfg.ReportDir); err != nil {
				logger.Warn("⚠️ 保存权益曲线失败 [%s]: %v", id, err)
			}
		}
	}
}

func (m *RunManager) update(id string, fn func(*RunView)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.runs[id]; ok {
		fn(&e.view)
	}
}

func (m *RunManager) setActive(delta int) {
	m.mu.Lock()
	m.active += delta
	n := m.active
	m.mu.Unlock()
	m.prom.SetActiveRuns(n)
}

// Get 查询回测，内存中没有时回退到数据库
func (m *RunManager) Get(ctx context.Context, id string) (*RunView, error) {
	m.mu.RLock()
	e, ok := m.runs[id]
	var view RunView
	if ok {
		view = e.view
	}
	m.mu.RUnlock()
	if ok {
		return &view, nil
	}

	if m.db == nil {
		return nil, ErrRunNotFound
	}
	run, err := m.db.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return viewFromRecord(run), nil
}

// List 列出内存中的回测，按提交时间倒序
func (m *RunManager) List() []RunView {
	m.mu.RLock()
	views := make([]RunView, 0, len(m.runs))
	for _, e := range m.runs {
		v := e.view
		v.Result = nil
		views = append(views, v)
	}
	m.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].SubmittedAt.After(views[j].SubmittedAt)
	})
	return views
}

// Cancel 取消回测
func (m *RunManager) Cancel(id string) error {
	m.mu.RLock()
	e, ok := m.runs[id]
	var status backtest.RunStatus
	if ok {
		status = e.view.Status
	}
	m.mu.RUnlock()

	if !ok {
		return ErrRunNotFound
	}
	if status.Terminal() {
		return ErrRunFinished
	}
	e.cancel()
	logger.Info("🛑 已请求取消回测 [%s]", id)
	return nil
}

// Wait 等待回测结束
func (m *RunManager) Wait(ctx context.Context, id string) (*RunView, error) {
	m.mu.RLock()
	e, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	select {
	case <-e.done:
		return m.Get(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown 取消所有回测并等待退出
func (m *RunManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.runs {
		e.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abortedResult 回测未能启动时的结果
func abortedResult(entry *runEntry, status backtest.RunStatus, msg string) *backtest.BacktestResult {
	return &backtest.BacktestResult{
		ID:        entry.view.ID,
		Status:    status,
		Error:     msg,
		Symbol:    entry.view.Symbol,
		Timeframe: entry.view.Timeframe,
		Strategy:  entry.view.Strategy,
		Trades:    []backtest.Trade{},
		Equity:    []backtest.EquityPoint{},
	}
}

func viewFromRecord(run *database.BacktestRun) *RunView {
	view := &RunView{
		ID:          run.ID,
		Status:      backtest.RunStatus(run.Status),
		Progress:    run.Progress,
		Symbol:      run.Symbol,
		Timeframe:   run.Timeframe,
		Strategy:    run.Strategy,
		Error:       run.Error,
		SubmittedAt: run.CreatedAt,
	}
	if view.Status.Terminal() {
		finished := run.UpdatedAt
		view.FinishedAt = &finished
	}
	if view.Status == backtest.StatusCompleted {
		view.Metrics = &backtest.Metrics{
			TotalReturn:  run.TotalReturn,
			MaxDrawdown:  run.MaxDrawdown,
			SharpeRatio:  run.SharpeRatio,
			WinRate:      run.WinRate,
			ProfitFactor: run.ProfitFactor,
			TotalTrades:  run.TotalTrades,
		}
	}
	return view
}
