package provisioning

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/logger"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL bounds how long a resolved identity is served from memory.
	DefaultCacheTTL = 10 * time.Minute
	// sharedWorkTimeout bounds a create-or-fetch shared by concurrent callers.
	sharedWorkTimeout = 10 * time.Second
)

// Resolver provisions organizations, devices and variables.
type Resolver struct {
	devices   repository.DeviceRepository
	variables repository.VariableRepository
	log       logger.Logger

	cache *cache.Cache
	group singleflight.Group
}

// NewResolver creates a Resolver. A non-positive ttl uses DefaultCacheTTL.
func NewResolver(devices repository.DeviceRepository, variables repository.VariableRepository, ttl time.Duration, log logger.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		devices:   devices,
		variables: variables,
		log:       log,
		cache:     cache.New(ttl, 2*ttl),
	}
}

// Organization resolves an organization by name, creating it if needed.
func (r *Resolver) Organization(ctx context.Context, name string) (*entities.Organization, error) {
	key := "org:" + name
	if v, ok := r.cache.Get(key); ok {
		org := v.(entities.Organization)
		return &org, nil
	}

	v, err := r.shared(ctx, key, func(ctx context.Context) (any, error) {
		org, created, err := Resolve(ctx, name,
			func(ctx context.Context) (*entities.Organization, error) {
				return r.devices.FindOrganizationByName(ctx, name)
			},
			func(ctx context.Context) (*entities.Organization, error) {
				org := &entities.Organization{Name: name}
				return org, r.devices.CreateOrganization(ctx, org)
			})
		if err != nil {
			return nil, err
		}
		if created {
			r.log.Info("provisioned organization", logger.String("organization", name))
		}
		r.cache.SetDefault(key, *org)
		return *org, nil
	})
	if err != nil {
		return nil, err
	}
	org := v.(entities.Organization)
	return &org, nil
}

// OrganizationByID returns an existing organization. Organizations referenced
// by id are never created.
func (r *Resolver) OrganizationByID(ctx context.Context, id uint) (*entities.Organization, error) {
	key := fmt.Sprintf("orgid:%d", id)
	if v, ok := r.cache.Get(key); ok {
		org := v.(entities.Organization)
		return &org, nil
	}
	org, err := r.devices.GetOrganization(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, errors.New(err).
				Component("provisioning").
				Category(errors.CategoryNotFound).
				Context("organization_id", id).
				Build()
		}
		return nil, storageError("find", key, err)
	}
	r.cache.SetDefault(key, *org)
	return org, nil
}

// Device resolves a device by (organization, external id). When allowCreate
// is false an unknown device yields an error wrapping
// repository.ErrDeviceNotFound with CategoryNotFound.
func (r *Resolver) Device(ctx context.Context, organizationID uint, externalID string, allowCreate bool) (*entities.Device, error) {
	key := fmt.Sprintf("dev:%d:%s", organizationID, externalID)
	if v, ok := r.cache.Get(key); ok {
		d := v.(entities.Device)
		return &d, nil
	}

	find := func(ctx context.Context) (*entities.Device, error) {
		return r.devices.FindDevice(ctx, organizationID, externalID)
	}

	if !allowCreate {
		d, err := find(ctx)
		if err != nil {
			if repository.IsNotFound(err) {
				return nil, errors.New(err).
					Component("provisioning").
					Category(errors.CategoryNotFound).
					Context("device_id", externalID).
					Build()
			}
			return nil, storageError("find", key, err)
		}
		r.cache.SetDefault(key, *d)
		return d, nil
	}

	v, err := r.shared(ctx, key, func(ctx context.Context) (any, error) {
		d, created, err := Resolve(ctx, key, find, func(ctx context.Context) (*entities.Device, error) {
			d := &entities.Device{
				OrganizationID: organizationID,
				ExternalID:     externalID,
				Name:           externalID,
				Status:         entities.DeviceStatusUnknown,
			}
			return d, r.devices.CreateDevice(ctx, d)
		})
		if err != nil {
			return nil, err
		}
		if created {
			r.log.Info("auto-provisioned device",
				logger.String("device_id", externalID),
				logger.Uint64("organization_id", uint64(organizationID)))
		}
		r.cache.SetDefault(key, *d)
		return *d, nil
	})
	if err != nil {
		return nil, err
	}
	d := v.(entities.Device)
	return &d, nil
}

// Variable resolves a device variable by name, creating it with a humanized
// display name and the given data source.
func (r *Resolver) Variable(ctx context.Context, deviceID uint, name, source string) (*entities.Variable, error) {
	key := fmt.Sprintf("var:%d:%s", deviceID, name)
	if v, ok := r.cache.Get(key); ok {
		vr := v.(entities.Variable)
		return &vr, nil
	}

	v, err := r.shared(ctx, key, func(ctx context.Context) (any, error) {
		vr, created, err := Resolve(ctx, key,
			func(ctx context.Context) (*entities.Variable, error) {
				return r.variables.FindVariable(ctx, deviceID, name)
			},
			func(ctx context.Context) (*entities.Variable, error) {
				vr := &entities.Variable{
					DeviceID:    deviceID,
					Name:        name,
					DisplayName: Humanize(name),
					DataType:    entities.DataTypeNumber,
					DataSource:  source,
				}
				return vr, r.variables.CreateVariable(ctx, vr)
			})
		if err != nil {
			return nil, err
		}
		if created {
			r.log.Debug("auto-provisioned variable",
				logger.String("variable", name),
				logger.Uint64("device_id", uint64(deviceID)))
		}
		r.cache.SetDefault(key, *vr)
		return *vr, nil
	})
	if err != nil {
		return nil, err
	}
	vr := v.(entities.Variable)
	return &vr, nil
}

// shared runs fn once per key for all concurrent callers. The work is
// detached from the caller that started it, so a cancelled caller never
// fails the others; each caller still stops waiting when its own ctx ends.
func (r *Resolver) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := r.group.DoChan(key, func() (any, error) {
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedWorkTimeout)
		defer cancel()
		return fn(workCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, storageError("wait", key, ctx.Err())
	}
}

// Forget drops every cached identity.
func (r *Resolver) Forget() {
	r.cache.Flush()
}
