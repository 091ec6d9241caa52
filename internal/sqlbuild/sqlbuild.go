// Package sqlbuild renders the warehouse SQL text for each load primitive
// from a descriptor: staging/rnums table DDL, COPY, MERGE, the delete-null-
// hash variants, append/add, and the cleanup drops. None of the builders
// hold connection state, per the "no process-wide mutable state" design
// note. Every builder is a pure function of its inputs except the COPY
// builders, which read BLUESHIFT_S3_IAM_ROLE from the environment and, when
// it is unset, ask the CredentialsProvider for keys at call time.
//
// Identifiers are interpolated unquoted. The descriptor corpus this loader
// serves is trusted, and round-trip compatibility with existing descriptors
// depends on the same bare-identifier SQL this package has always emitted.
package sqlbuild

import (
	"fmt"
	"os"
	"strings"

	"github.com/malbeclabs/warehouse-loader/internal/descriptor"
)

// TargetName returns "schema.table" or just "table" when no schema is set.
func TargetName(d *descriptor.Descriptor) string {
	if d.Schema != nil && *d.Schema != "" {
		return fmt.Sprintf("%s.%s", *d.Schema, d.Table)
	}
	return d.Table
}

// StagingName returns the name of the temporary staging table for d.
func StagingName(d *descriptor.Descriptor) string {
	return sanitizeIdent(d.Table) + "_staging"
}

// RnumsName returns the name of the temporary row-numbers table for d.
func RnumsName(d *descriptor.Descriptor) string {
	return sanitizeIdent(d.Table) + "_rnums"
}

func sanitizeIdent(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}

// CreateStaging renders CREATE TEMPORARY TABLE ... LIKE ... INCLUDING DEFAULTS.
func CreateStaging(d *descriptor.Descriptor) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s (LIKE %s INCLUDING DEFAULTS)",
		StagingName(d), TargetName(d))
}

// CredentialsProvider resolves the access-key-id/secret-access-key pair used
// when BLUESHIFT_S3_IAM_ROLE is not set. It is the seam the object-store's
// AWS credential chain is plugged into.
type CredentialsProvider interface {
	AccessKeyID() string
	SecretAccessKey() string
}

// copyAuth renders the AUTH clause of a COPY statement: the IAM-role form
// when BLUESHIFT_S3_IAM_ROLE is set in the environment, otherwise the
// access-key form populated from creds.
func copyAuth(creds CredentialsProvider) string {
	if role := os.Getenv("BLUESHIFT_S3_IAM_ROLE"); role != "" {
		return fmt.Sprintf("IAM_ROLE '%s'", role)
	}
	return fmt.Sprintf("CREDENTIALS 'aws_access_key_id=%s;aws_secret_access_key=%s'",
		creds.AccessKeyID(), creds.SecretAccessKey())
}

// CopyIntoStaging renders the COPY statement loading the manifest's data
// files into the staging table, using the descriptor's columns list.
func CopyIntoStaging(d *descriptor.Descriptor, manifestURL string, creds CredentialsProvider) string {
	return copyStatement(StagingName(d), d.Columns, manifestURL, d.Options, creds)
}

// CopyIntoTarget renders the COPY statement loading directly into the
// target table, used by the replace strategy.
func CopyIntoTarget(d *descriptor.Descriptor, manifestURL string, creds CredentialsProvider) string {
	return copyStatement(TargetName(d), d.Columns, manifestURL, d.Options, creds)
}

func copyStatement(table string, columns []string, manifestURL string, options []string, creds CredentialsProvider) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "COPY %s(%s) FROM '%s' %s", table, strings.Join(columns, ","), manifestURL, copyAuth(creds))
	for _, opt := range options {
		sb.WriteString(" ")
		sb.WriteString(opt)
	}
	sb.WriteString(" manifest")
	return sb.String()
}

// Truncate renders TRUNCATE TABLE <target>.
func Truncate(d *descriptor.Descriptor) string {
	return fmt.Sprintf("TRUNCATE TABLE %s", TargetName(d))
}

// Drop renders DROP TABLE <name>.
func Drop(name string) string {
	return fmt.Sprintf("DROP TABLE %s", name)
}

// stagingSelectBody renders the SELECT body consuming the staging table,
// honoring the descriptor's staging-select override.
func stagingSelectBody(d *descriptor.Descriptor) string {
	staging := StagingName(d)
	if d.StagingSelect == nil {
		return fmt.Sprintf("SELECT * FROM %s", staging)
	}
	switch d.StagingSelect.Kind {
	case descriptor.StagingSelectDistinct:
		return fmt.Sprintf("SELECT DISTINCT * FROM %s", staging)
	case descriptor.StagingSelectDistinctHash:
		nonHash := make([]string, 0, len(d.Columns))
		for _, c := range d.Columns {
			if c != "hash" {
				nonHash = append(nonHash, c)
			}
		}
		return fmt.Sprintf("SELECT %s, max(hash) AS hash FROM %s GROUP BY %s",
			strings.Join(nonHash, ","), staging, strings.Join(nonHash, ","))
	case descriptor.StagingSelectTemplate:
		return strings.ReplaceAll(d.StagingSelect.Template, "{{table}}", staging)
	default:
		return fmt.Sprintf("SELECT * FROM %s", staging)
	}
}

// CreateRnums renders the row-numbered copy of the staging select body.
func CreateRnums(d *descriptor.Descriptor) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT row_number() OVER (PARTITION BY 1) AS row_num, * FROM (%s) s",
		RnumsName(d), stagingSelectBody(d))
}

// DedupRnums deletes every row from the rnums table except the
// max(row_num) per primary-key tuple, leaving one row per key — the last
// one encountered in warehouse row order.
func DedupRnums(d *descriptor.Descriptor) string {
	rnums := RnumsName(d)
	pk := strings.Join(d.PKColumns, ",")
	return fmt.Sprintf(
		"DELETE FROM %[1]s WHERE row_num NOT IN (SELECT MAX(row_num) FROM %[1]s GROUP BY %[2]s)",
		rnums, pk)
}

// DropRowNumColumn renders ALTER TABLE ... DROP COLUMN row_num.
func DropRowNumColumn(d *descriptor.Descriptor) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN row_num", RnumsName(d))
}

// MergeFromRnums renders the single MERGE statement upserting the target
// from the deduplicated row-numbers table.
func MergeFromRnums(d *descriptor.Descriptor) string {
	target := TargetName(d)
	src := RnumsName(d)

	pkNulls := make(map[string]bool, len(d.PKNulls))
	for _, n := range d.PKNulls {
		pkNulls[n] = true
	}

	joinParts := make([]string, 0, len(d.PKColumns))
	for _, pk := range d.PKColumns {
		if pkNulls[pk] {
			joinParts = append(joinParts, fmt.Sprintf("COALESCE(target.%[1]s,'') = COALESCE(src.%[1]s,'')", pk))
		} else {
			joinParts = append(joinParts, fmt.Sprintf("target.%[1]s = src.%[1]s", pk))
		}
	}

	updateParts := make([]string, 0, len(d.FullColumns))
	insertCols := make([]string, 0, len(d.FullColumns))
	insertVals := make([]string, 0, len(d.FullColumns))
	for _, col := range d.FullColumns {
		val := fmt.Sprintf("src.%s", col)
		if col == "update_ts" {
			val = "getdate()"
		}
		updateParts = append(updateParts, fmt.Sprintf("%s = %s", col, val))
		insertCols = append(insertCols, col)
		insertVals = append(insertVals, val)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "MERGE INTO %s USING %s AS src ON %s\n", target, src, strings.Join(joinParts, " AND "))
	fmt.Fprintf(&sb, "WHEN MATCHED THEN UPDATE SET %s\n", strings.Join(updateParts, ", "))
	fmt.Fprintf(&sb, "WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		strings.Join(insertCols, ","), strings.Join(insertVals, ","))
	return sb.String()
}

// deleteNullHashKeyColumns returns the join-key columns for the delete-null-
// hash-merge family, with report_date swapped for partner_order_id in the
// customer variant.
func deleteNullHashKeyColumns(customer bool) []string {
	if customer {
		return []string{"partner_order_id", "data_source", "data_type", "partner_company_id"}
	}
	return []string{"report_date", "data_source", "data_type", "partner_company_id"}
}

// DeleteNullHash renders the delete-null-hash statement run against the
// target before staging rows are deduplicated: rows in the target sharing
// the key columns with any staging row, whose hash is NULL, optionally
// restricted to the descriptor's delete-null-hash-merge-data-sources.
func DeleteNullHash(d *descriptor.Descriptor, customer bool) string {
	target := TargetName(d)
	staging := StagingName(d)
	keys := deleteNullHashKeyColumns(customer)

	joinParts := make([]string, 0, len(keys))
	for _, k := range keys {
		joinParts = append(joinParts, fmt.Sprintf("%[1]s.%[3]s = %[2]s.%[3]s", target, staging, k))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "DELETE FROM %s USING %s WHERE %s AND %s.hash IS NULL",
		target, staging, strings.Join(joinParts, " AND "), target)
	if len(d.DeleteNullHashMergeDataSources) > 0 {
		quoted := make([]string, 0, len(d.DeleteNullHashMergeDataSources))
		for _, v := range d.DeleteNullHashMergeDataSources {
			quoted = append(quoted, fmt.Sprintf("'%s'", v))
		}
		fmt.Fprintf(&sb, " AND %s.data_source IN (%s)", staging, strings.Join(quoted, ","))
	}
	return sb.String()
}

// AppendFromStaging renders the anti-join insert used by the append
// strategy: staging rows whose pk-columns do not already exist in target.
func AppendFromStaging(d *descriptor.Descriptor) string {
	target := TargetName(d)
	staging := StagingName(d)

	joinParts := make([]string, 0, len(d.PKColumns))
	for _, pk := range d.PKColumns {
		joinParts = append(joinParts, fmt.Sprintf("%[1]s.%[3]s = %[2]s.%[3]s", target, staging, pk))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) SELECT %s FROM %s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s)",
		target, strings.Join(d.Columns, ","), strings.Join(d.Columns, ","), staging, target, strings.Join(joinParts, " AND "))
	return sb.String()
}

// AddFromStaging renders the unconditional insert used by the add strategy.
func AddFromStaging(d *descriptor.Descriptor) string {
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		TargetName(d), strings.Join(d.Columns, ","), strings.Join(d.Columns, ","), StagingName(d))
}
