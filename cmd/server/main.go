package main

import (
	"os"

	"v64assist/backend/internal/app"
)

func main() {
	os.Exit(app.Run())
}
