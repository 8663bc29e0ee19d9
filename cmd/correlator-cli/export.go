package main

import (
	"context"
	"fmt"
	"strings"

	sqliteadapter "trace-correlator/internal/adapters/store/sqlite"
	"trace-correlator/internal/services/forensicexport"
	"trace-correlator/internal/services/forensicpdf"
	"trace-correlator/internal/services/privacy"
)

// runExport 是导出命令路由：司法导出包 / PDF 报告。
func runExport(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printExportUsage()
		return nil
	}
	switch args[0] {
	case "zip", "forensic-zip":
		return runExportFile(ctx, "zip", args[1:])
	case "pdf", "forensic-pdf":
		return runExportFile(ctx, "pdf", args[1:])
	default:
		printExportUsage()
		return fmt.Errorf("unknown export command: %s", args[0])
	}
}

func printExportUsage() {
	fmt.Println("Usage:")
	fmt.Println("  correlator-cli export zip --case-id CASE_ID [--start T --end T] [--out-dir path] [--privacy-mode off|masked] [--operator name] [--note text]")
	fmt.Println("  correlator-cli export pdf --case-id CASE_ID [--start T --end T] [--out-dir path] [--font path.ttf] [--privacy-mode off|masked]")
	fmt.Println()
	fmt.Println("Without --start/--end the whole case time range is exported.")
}

func runExportFile(ctx context.Context, kind string, args []string) error {
	fs, common := newFlagSet("export " + kind)
	caseID := fs.String("case-id", "", "case id (required)")
	start := fs.String("start", "", "range start")
	end := fs.String("end", "", "range end")
	outDir := fs.String("out-dir", "", "output directory (default: config export_dir)")
	font := fs.String("font", "", "TTF font for the pdf (pdf only)")
	privacyMode := fs.String("privacy-mode", "", "off|masked (default: config)")
	operator := fs.String("operator", "", "operator id or name")
	note := fs.String("note", "", "export note")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("case-id", *caseID)
	if err != nil {
		return err
	}
	rng, err := parseRangeFlags(*start, *end)
	if err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	mode := cfg.Privacy()
	if strings.TrimSpace(*privacyMode) != "" {
		if mode, err = privacy.ParseMode(*privacyMode); err != nil {
			return err
		}
	}
	dir := strings.TrimSpace(*outDir)
	if dir == "" {
		dir = cfg.ExportDir
	}

	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	sess, err := loadSession(ctx, store, cfg, id)
	if err != nil {
		return err
	}

	var (
		reportID, path, sum string
		warnings            []string
	)
	switch kind {
	case "zip":
		targetsPath := cfg.TargetsPath
		if v, _ := store.GetSchemaMetaValue(ctx, sqliteadapter.MetaActiveTargetsPath); strings.TrimSpace(v) != "" {
			targetsPath = strings.TrimSpace(v)
		}
		res, err := forensicexport.GenerateForensicZip(ctx, store, sess, forensicexport.ZipOptions{
			Range:       rng,
			ExportDir:   dir,
			TargetsPath: targetsPath,
			Privacy:     mode,
			Operator:    operatorOr(cfg, *operator),
			Note:        strings.TrimSpace(*note),
		})
		if err != nil {
			return err
		}
		reportID, path, sum, warnings = res.ReportID, res.ZipPath, res.ZipSHA256, res.Warnings
	default:
		res, err := forensicpdf.GenerateForensicPDF(ctx, store, sess, forensicpdf.Options{
			Range:     rng,
			ReportDir: dir,
			FontPath:  strings.TrimSpace(*font),
			Privacy:   mode,
			Operator:  operatorOr(cfg, *operator),
			Note:      strings.TrimSpace(*note),
		})
		if err != nil {
			return err
		}
		reportID, path, sum, warnings = res.ReportID, res.PDFPath, res.PDFSHA256, res.Warnings
	}

	fmt.Printf("forensic %s export completed\n", kind)
	fmt.Printf("case_id=%s report_id=%s privacy=%s\n", id, reportID, mode)
	fmt.Printf("%s=%s\n", kind, path)
	fmt.Printf("%s_sha256=%s\n", kind, sum)
	if len(warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(warnings, " | "))
	}
	return nil
}
