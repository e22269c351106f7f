package authsnapshot

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cert-padua/n6pipe/internal/event"
	"github.com/cert-padua/n6pipe/internal/perr"
)

// orgRow, subsourceRow, and criterionRow mirror the auth_data migration's
// tables; the full authorization source of record (an admin API/UI) is out
// of scope, but the snapshot this stage consumes from it is not, so the
// fetch leg reads these tables directly.
type orgRow struct {
	ID         string `db:"id"`
	FullAccess bool   `db:"full_access"`
}

type subsourceRow struct {
	OrgID           string         `db:"org_id"`
	Source          string         `db:"source"`
	FullAccess      bool           `db:"full_access"`
	Excluded        bool           `db:"excluded"`
	AccessZones     pq.StringArray `db:"access_zones"`
	CategoryAllow   pq.StringArray `db:"category_allow"`
	CategoryDeny    pq.StringArray `db:"category_deny"`
	ConfidenceFloor string         `db:"confidence_floor"`
}

type criterionRow struct {
	OrgID        string  `db:"org_id"`
	ASN          *int    `db:"asn"`
	CC           *string `db:"cc"`
	FQDNSuffix   *string `db:"fqdn_suffix"`
	URLSubstring *string `db:"url_substring"`
	IPNetwork    *string `db:"ip_network"`
}

// PostgresFetcher builds a Fetcher that loads the full authorization
// dataset from the auth_data tables in one pass.
func PostgresFetcher(db *sqlx.DB) Fetcher {
	return func(ctx context.Context) (*Snapshot, error) {
		var orgRows []orgRow
		if err := db.SelectContext(ctx, &orgRows, `SELECT id, full_access FROM orgs`); err != nil {
			return nil, perr.DownstreamUnavailable("auth_fetch_orgs", err)
		}

		orgs := make(map[string]Org, len(orgRows))
		for _, o := range orgRows {
			orgs[o.ID] = Org{ID: o.ID, FullAccess: o.FullAccess, Subsources: map[string]Subsource{}}
		}

		var subRows []subsourceRow
		if err := db.SelectContext(ctx, &subRows, `SELECT org_id, source, full_access, excluded, access_zones, category_allow, category_deny, confidence_floor FROM org_subsources`); err != nil {
			return nil, perr.DownstreamUnavailable("auth_fetch_subsources", err)
		}
		for _, s := range subRows {
			org, ok := orgs[s.OrgID]
			if !ok {
				continue
			}
			zones := make(map[AccessZone]struct{}, len(s.AccessZones))
			for _, z := range s.AccessZones {
				zones[AccessZone(z)] = struct{}{}
			}
			allow := make(map[event.Category]struct{}, len(s.CategoryAllow))
			for _, c := range s.CategoryAllow {
				allow[event.Category(c)] = struct{}{}
			}
			deny := make(map[event.Category]struct{}, len(s.CategoryDeny))
			for _, c := range s.CategoryDeny {
				deny[event.Category(c)] = struct{}{}
			}
			org.Subsources[s.Source] = Subsource{
				Name:            s.Source,
				FullAccess:      s.FullAccess,
				Excluded:        s.Excluded,
				AccessZones:     zones,
				CategoryAllow:   allow,
				CategoryDeny:    deny,
				ConfidenceFloor: event.Confidence(s.ConfidenceFloor),
			}
		}

		var critRows []criterionRow
		if err := db.SelectContext(ctx, &critRows, `SELECT org_id, asn, cc, fqdn_suffix, url_substring, ip_network FROM org_inside_criteria`); err != nil {
			return nil, perr.DownstreamUnavailable("auth_fetch_criteria", err)
		}
		for _, c := range critRows {
			org, ok := orgs[c.OrgID]
			if !ok {
				continue
			}
			crit := InsideCriterion{ASN: c.ASN}
			if c.CC != nil {
				crit.CC = *c.CC
			}
			if c.FQDNSuffix != nil {
				crit.FQDNSuffix = *c.FQDNSuffix
			}
			if c.URLSubstring != nil {
				crit.URLSubstring = *c.URLSubstring
			}
			if c.IPNetwork != nil {
				crit.IPNetwork = *c.IPNetwork
			}
			org.InsideCriteria = append(org.InsideCriteria, crit)
			orgs[c.OrgID] = org
		}

		return &Snapshot{Orgs: orgs, RefreshedAt: time.Now()}, nil
	}
}
