package strategy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/storage"
)

var log = logrus.WithField("component", "strategy")

// Service 策略定义的管理服务。
// 定义来自配置文件，运行状态以数据库为准：
// 配置变更更新参数，不会覆盖 start/stop 留下的状态。
type Service struct {
	store *storage.Store
}

// NewService 创建策略服务
func NewService(store *storage.Store) *Service {
	return &Service{store: store}
}

// SeedFromConfig 把配置里的策略定义同步进数据库。
// 新策略按配置状态插入；已有策略只更新参数和符号池，状态保留。
func (s *Service) SeedFromConfig(ctx context.Context, defs []domain.StrategyDefinition) error {
	for i := range defs {
		def := defs[i]
		if !def.Type.Valid() {
			return errors.Errorf("策略 %q 类型 %q 不在支持的闭集内", def.ID, def.Type)
		}
		if def.ID == "" {
			def.ID = uuid.NewString()
		}

		existing, err := s.store.GetStrategy(ctx, def.ID)
		if err != nil {
			return errors.Wrapf(err, "查询策略 %s 失败", def.ID)
		}
		now := time.Now()
		if existing != nil {
			def.Status = existing.Status
			def.CreatedAt = existing.CreatedAt
		} else {
			if def.Status == "" {
				def.Status = domain.StrategyStatusStopped
			}
			def.CreatedAt = now
		}
		def.UpdatedAt = now

		if err := s.store.UpsertStrategy(ctx, &def); err != nil {
			return errors.Wrapf(err, "写入策略 %s 失败", def.ID)
		}
		log.Infof("[策略] 已同步 id=%s name=%s type=%s status=%s",
			def.ID, def.Name, def.Type, def.Status)
	}
	return nil
}

// List 全部策略定义
func (s *Service) List(ctx context.Context) ([]*domain.StrategyDefinition, error) {
	return s.store.ListStrategies(ctx)
}

// Get 按 ID 查策略定义，不存在返回 ErrNotFound
func (s *Service) Get(ctx context.Context, id string) (*domain.StrategyDefinition, error) {
	def, err := s.store.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "策略 %s", id)
	}
	return def, nil
}

// Running 当前运行中的策略（调度器每个周期调用）
func (s *Service) Running(ctx context.Context) ([]*domain.StrategyDefinition, error) {
	all, err := s.store.ListStrategies(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.StrategyDefinition, 0, len(all))
	for _, def := range all {
		if def.Running() {
			out = append(out, def)
		}
	}
	return out, nil
}

// Start 启动策略。重复启动是幂等的。
func (s *Service) Start(ctx context.Context, id string) error {
	return s.store.UpdateStrategyStatus(ctx, id, domain.StrategyStatusRunning)
}

// Stop 停止策略。只拦截新入场，已有持仓由调度器继续管理到退出。
func (s *Service) Stop(ctx context.Context, id string) error {
	return s.store.UpdateStrategyStatus(ctx, id, domain.StrategyStatusStopped)
}
