// Package redis stores application records in Redis: one JSON document per
// record plus owner, name and liveness indexes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"provisioning-api-go/internal/datastore"
	"provisioning-api-go/internal/models"
	"provisioning-api-go/internal/redisclient"
)

// Repository implements datastore.Repository on Redis
type Repository struct {
	client *redisclient.Client
	logger *zap.Logger
	now    func() time.Time
}

var _ datastore.Repository = (*Repository)(nil)

// NewRepository creates a new Redis repository
func NewRepository(client *redisclient.Client, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

func (r *Repository) rdb() *redis.Client {
	return r.client.GetRedis()
}

// Create allocates an ID, claims the (owner, name) key and writes the record
func (r *Repository) Create(ctx context.Context, app *models.Application) error {
	id, err := r.rdb().Incr(ctx, redisclient.AppIDCounterKey()).Result()
	if err != nil {
		return fmt.Errorf("allocate application id: %w", err)
	}

	nameKey := redisclient.AppNameKey(app.Owner, app.Name)
	claimed, err := r.rdb().SetNX(ctx, nameKey, id, 0).Result()
	if err != nil {
		return fmt.Errorf("claim application name: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: %s/%s", datastore.ErrDuplicate, app.Owner, app.Name)
	}

	now := r.now().UTC()
	stored := *app
	stored.ID = id
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if err := r.write(ctx, &stored); err != nil {
		// Release the name so the caller can retry
		if delErr := r.rdb().Del(ctx, nameKey).Err(); delErr != nil {
			r.logger.Warn("failed to release application name", zap.String("key", nameKey), zap.Error(delErr))
		}
		return err
	}

	*app = stored
	r.logger.Debug("application stored", zap.Int64("id", id), zap.String("owner", app.Owner))
	return nil
}

// Get loads one record
func (r *Repository) Get(ctx context.Context, id int64) (*models.Application, error) {
	data, err := r.rdb().Get(ctx, redisclient.AppKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: id %d", datastore.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get application %d: %w", id, err)
	}

	var app models.Application
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("decode application %d: %w", id, err)
	}
	return &app, nil
}

// Update overwrites an existing record and refreshes the liveness index
func (r *Repository) Update(ctx context.Context, app *models.Application) error {
	exists, err := r.rdb().Exists(ctx, redisclient.AppKey(app.ID)).Result()
	if err != nil {
		return fmt.Errorf("check application %d: %w", app.ID, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: id %d", datastore.ErrNotFound, app.ID)
	}

	app.UpdatedAt = r.now().UTC()
	return r.write(ctx, app)
}

// ListByOwner returns an owner's records ordered by ID
func (r *Repository) ListByOwner(ctx context.Context, owner string) ([]*models.Application, error) {
	members, err := r.rdb().SMembers(ctx, redisclient.OwnerAppsKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("list applications of %s: %w", owner, err)
	}
	return r.load(ctx, members)
}

// ActiveNodePorts lists node ports of records that are not terminated
func (r *Repository) ActiveNodePorts(ctx context.Context) ([]int, error) {
	members, err := r.rdb().SMembers(ctx, redisclient.LiveAppsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list live applications: %w", err)
	}

	apps, err := r.load(ctx, members)
	if err != nil {
		return nil, err
	}

	var ports []int
	for _, app := range apps {
		if app.Status != models.StatusTerminated && app.NodePort != 0 {
			ports = append(ports, app.NodePort)
		}
	}
	sort.Ints(ports)
	return ports, nil
}

// Ping checks the Redis connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

// Close closes the Redis connection
func (r *Repository) Close() error {
	return r.client.Close()
}

func (r *Repository) write(ctx context.Context, app *models.Application) error {
	data, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("encode application %d: %w", app.ID, err)
	}

	_, err = r.rdb().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisclient.AppKey(app.ID), data, 0)
		pipe.SAdd(ctx, redisclient.OwnerAppsKey(app.Owner), app.ID)
		if app.Status == models.StatusTerminated {
			pipe.SRem(ctx, redisclient.LiveAppsKey(), app.ID)
		} else {
			pipe.SAdd(ctx, redisclient.LiveAppsKey(), app.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write application %d: %w", app.ID, err)
	}
	return nil
}

// load fetches the records of the given ID set members, skipping dangling IDs
func (r *Repository) load(ctx context.Context, members []string) ([]*models.Application, error) {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			r.logger.Warn("invalid application id in index", zap.String("member", m))
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	apps := make([]*models.Application, 0, len(ids))
	for _, id := range ids {
		app, err := r.Get(ctx, id)
		if errors.Is(err, datastore.ErrNotFound) {
			r.logger.Warn("dangling application id in index", zap.Int64("id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}
