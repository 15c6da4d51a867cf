package hls

import (
	"github.com/OdyseeTeam/streamproxy/pkg/logging"

	"go.uber.org/zap"
)

var logger = logging.Create("hls", logging.Prod)

func SetLogger(l *zap.SugaredLogger) {
	logger = l
}
