package dispatcher

import (
	"github.com/OdyseeTeam/streamproxy/pkg/logging"

	"go.uber.org/zap"
)

var logger = logging.Create("dispatcher", logging.Prod)

func SetLogger(l *zap.SugaredLogger) {
	logger = l
}
