package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "meridian-chat",
	Level: hclog.LevelFromString("INFO"),
})
