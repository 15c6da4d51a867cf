package proxy

import (
	"github.com/OdyseeTeam/streamproxy/pkg/logging"

	"go.uber.org/zap"
)

var logger = logging.Create("proxy", logging.Prod)

func SetLogger(l *zap.SugaredLogger) {
	logger = l
}
