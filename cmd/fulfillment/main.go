// Command fulfillment запускает роль из конфигурации; по умолчанию все сервисы саги в одном процессе.
package main

import "github.com/vladislavdragonenkov/fulfillment/internal/app"

func main() {
	app.Main("")
}
