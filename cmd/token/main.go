package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/menulab/billing/auth"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Mints a bearer token for the admin billing routes. Run by an operator
// against the same .env the API reads its signing key from.
func main() {
	var (
		email    = flag.String("email", "", "operator email recorded in the token")
		id       = flag.String("id", "", "operator id recorded in the token")
		admin    = flag.Bool("admin", true, "grant access to the admin billing routes")
		validity = flag.Duration("validity", time.Hour*24, "how long the token stays valid")
		dotFile  = flag.String("env", ".env.development", "dotenv file holding JWT_SIGNING_KEY")
	)
	flag.Parse()

	if len(*email) == 0 || len(*id) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	defer logger.Sync()

	if err := godotenv.Load(*dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	authManager, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
		TokenValidity: *validity,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	token, err := authManager.CreateTokenFromClaims(auth.Claims{
		Email: *email,
		ID:    *id,
		Admin: *admin,
	})
	if err != nil {
		logger.Fatal("Cannot create token",
			zap.Error(err),
		)
	}

	fmt.Println(token)
}
