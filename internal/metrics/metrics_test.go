package metrics

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

func TestOracleRejectionLabels(t *testing.T) {
	m := New()
	m.OracleRejected(fmt.Errorf("oracle: aggregate: %w", domain.ErrStalePrice))
	m.OracleRejected(domain.ErrStalePrice)
	m.OracleRejected(fmt.Errorf("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.oracleRejections.WithLabelValues(domain.ErrStalePrice.Error())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.oracleRejections.WithLabelValues("other")))
}

func TestAdlExecutionResults(t *testing.T) {
	m := New()
	m.AdlExecution(nil)
	m.AdlExecution(fmt.Errorf("risk: execute adl: %w", domain.ErrPnlOvercorrected))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.adlExecutions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adlExecutions.WithLabelValues("overcorrected")))
}

func TestOrderOutcomeDefaultsReason(t *testing.T) {
	m := New()
	m.OrderOutcome("executed", "")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orderOutcomes.WithLabelValues("executed", "none")))
}
