package repos

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

type ClusterRepo interface {
	EnsureCluster(ctx context.Context, tx *gorm.DB, name string) (*domain.Cluster, error)
	EnsureQueue(ctx context.Context, tx *gorm.DB, q *domain.Queue) (*domain.Queue, error)
	GetQueueByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Queue, error)
	GetQueueByName(ctx context.Context, tx *gorm.DB, clusterID int64, name string) (*domain.Queue, error)
	GetClusterByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Cluster, error)
	GetClusterByName(ctx context.Context, tx *gorm.DB, name string) (*domain.Cluster, error)
}

type clusterRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewClusterRepo(db *gorm.DB, baseLog *logger.Logger) ClusterRepo {
	return &clusterRepo{db: db, log: baseLog.With("repo", "ClusterRepo")}
}

func (r *clusterRepo) EnsureCluster(ctx context.Context, tx *gorm.DB, name string) (*domain.Cluster, error) {
	transaction := resolve(r.db, tx)
	c := domain.Cluster{Name: name}
	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).
		Create(&c)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		return &c, nil
	}
	return r.GetClusterByName(ctx, tx, name)
}

func (r *clusterRepo) EnsureQueue(ctx context.Context, tx *gorm.DB, q *domain.Queue) (*domain.Queue, error) {
	transaction := resolve(r.db, tx)
	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cluster_id"}, {Name: "name"}},
			DoNothing: true,
		}).
		Create(q)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		return q, nil
	}
	return r.GetQueueByName(ctx, tx, q.ClusterID, q.Name)
}

func (r *clusterRepo) GetQueueByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Queue, error) {
	transaction := resolve(r.db, tx)
	var q domain.Queue
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&q).Error
	if err != nil {
		return nil, err
	}
	if q.ID == 0 {
		return nil, nil
	}
	return &q, nil
}

func (r *clusterRepo) GetQueueByName(ctx context.Context, tx *gorm.DB, clusterID int64, name string) (*domain.Queue, error) {
	transaction := resolve(r.db, tx)
	var q domain.Queue
	err := transaction.WithContext(ctx).
		Where("cluster_id = ? AND name = ?", clusterID, name).
		Limit(1).
		Find(&q).Error
	if err != nil {
		return nil, err
	}
	if q.ID == 0 {
		return nil, nil
	}
	return &q, nil
}

func (r *clusterRepo) GetClusterByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Cluster, error) {
	transaction := resolve(r.db, tx)
	var c domain.Cluster
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == 0 {
		return nil, nil
	}
	return &c, nil
}

func (r *clusterRepo) GetClusterByName(ctx context.Context, tx *gorm.DB, name string) (*domain.Cluster, error) {
	transaction := resolve(r.db, tx)
	var c domain.Cluster
	err := transaction.WithContext(ctx).Where("name = ?", name).Limit(1).Find(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == 0 {
		return nil, nil
	}
	return &c, nil
}
