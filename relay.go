/*
Copyright 2025 ClinicFlow Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package relay

import (
	"context"
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/typesense/typesense-go/typesense/api"

	"github.com/clinicflow/relay/config"
	"github.com/clinicflow/relay/database"
	"github.com/clinicflow/relay/gateway"
	"github.com/clinicflow/relay/internal/cache"
	redis_db "github.com/clinicflow/relay/internal/redis-db"
	"github.com/clinicflow/relay/internal/search"
)

// Relay represents the main struct for the dispatch and scheduling engine.
type Relay struct {
	datasource database.IDataSource
	redis      redis.UniversalClient
	cache      cache.Cache
	search     *search.TypesenseClient
	sender     gateway.Sender

	workerID  string
	batchSize int
	lockStale int // minutes
	dryRun    bool
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewRelay initializes a new instance of Relay with the provided datasource.
// It fetches the configuration and initializes the Redis client, the gateway
// sender and the memory index client.
func NewRelay(db database.IDataSource) (*Relay, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}

	sender, err := gateway.NewEvolutionClient(configuration.Gateway)
	if err != nil {
		return nil, err
	}

	newSearch := search.NewTypesenseClient(configuration.TypeSense.Key, []string{configuration.TypeSense.Dns})

	newCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}

	newRelay := &Relay{
		datasource: db,
		redis:      redisClient.Client(),
		cache:      newCache,
		search:     newSearch,
		sender:     sender,
		workerID:   configuration.Worker.WorkerID,
		batchSize:  configuration.Worker.BatchSize,
		lockStale:  configuration.Worker.LockStaleMinutes,
		dryRun:     configuration.Worker.DryRun,
	}
	return newRelay, nil
}

// Search performs a search on the specified collection using the provided query parameters.
func (r *Relay) Search(collection string, query *api.SearchCollectionParams) (interface{}, error) {
	return r.search.Search(context.Background(), collection, query)
}
