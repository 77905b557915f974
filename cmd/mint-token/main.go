package main

import (
	"flag"
	"fmt"

	"github.com/google/uuid"
	"github.com/nexuspay/backend/internal/auth"
	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/rbac"
	"go.uber.org/zap"
)

// Mints a bearer token for the admin/ops API. Operators run this to hand a
// support or admin credential to a teammate or a cron job; expiry comes from
// JWT_EXPIRATION.

func main() {
	userID := flag.String("user", "", "user id (uuid) the token acts as")
	role := flag.String("role", rbac.RoleSupport, "rbac role: admin, support or user")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	id, err := uuid.Parse(*userID)
	if err != nil {
		log.Fatal("-user must be a valid uuid", zap.String("user", *userID), zap.Error(err))
	}
	if _, ok := rbac.RolePermissions[*role]; !ok {
		log.Fatal("unknown role", zap.String("role", *role))
	}

	cfg := config.Load()
	token, err := auth.GenerateJWT(cfg.JWTSecret, id, *role, cfg.JWTExpiration)
	if err != nil {
		log.Fatal("failed to sign token", zap.Error(err))
	}

	fmt.Println(token)
}
