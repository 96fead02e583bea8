package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo: gauge со статич. значением 1 и метками версии/коммита.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bloodnet_build_info",
			Help: "Bloodnet API build information.",
		},
		[]string{"version", "commit", "store"},
	)
)

// InitBuildInfo регистрирует метрику build_info (однократно) и устанавливает значение.
// store names the active persistence driver.
func InitBuildInfo(version, commit, store string) {
	buildInfoOnce.Do(func() {
		// Регистрируем в стандартном реестре (без кастомной переменной reg)
		prometheus.MustRegister(buildInfo)
	})

	buildInfo.WithLabelValues(version, commit, store).Set(1)
}
