package report

import (
	"github.com/lucianasi/C4Audit/internal/dataset"
	"github.com/lucianasi/C4Audit/internal/model"
)

// Save writes rep to reports_parser/<id>/<id>.json.
func Save(l dataset.Layout, rep *model.AuditReport) (string, error) {
	if err := rep.Validate(); err != nil {
		return "", err
	}
	path := l.ReportFile(rep.AuditID)
	return path, dataset.WriteJSON(path, rep)
}

// Load reads a previously saved report. Older dataset files carry no audit
// id, so it is filled from the directory name.
func Load(l dataset.Layout, auditID string) (*model.AuditReport, error) {
	var rep model.AuditReport
	if err := dataset.ReadJSON(l.ReportFile(auditID), &rep); err != nil {
		return nil, err
	}
	if rep.AuditID == "" {
		rep.AuditID = auditID
	}
	if rep.Date == "" {
		rep.Date = model.AuditDate(auditID)
	}
	return &rep, nil
}
