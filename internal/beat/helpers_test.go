package beat

import (
	goredis "github.com/redis/go-redis/v9"

	"github.com/dataflux-func/dataflux-func/pkg/database"
)

func databaseFromClient(client *goredis.Client) *database.Redis {
	return database.NewRedisFromClient(client)
}
