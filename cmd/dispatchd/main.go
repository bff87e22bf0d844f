// Command dispatchd serves the example notes service.
package main

import (
	"log"
	"os"
	"strings"

	"github.com/advdv/bdispatch/app"
	"github.com/advdv/bdispatch/internal/example"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"go.uber.org/fx"
)

func main() {
	// a missing .env is fine, the environment may carry everything
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("failed to load .env: %v", err)
	}

	keys := lo.Compact(strings.Split(os.Getenv("DISPATCHD_API_KEYS"), ","))

	app.NewApp(example.Routing(keys...), app.WithFx(fx.Provide(example.NewNotes))).Run()
}
