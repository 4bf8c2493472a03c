package main

import "github.com/vladislavdragonenkov/fulfillment/internal/app"

func main() {
	app.Main(app.RoleInventory)
}
