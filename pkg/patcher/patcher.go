// Package patcher drives the full rewrite: open the image, enumerate
// every non-deterministic field a PE32/PE32+ carries, derive the
// reproducible signature over everything else, rewrite the paired PDB
// to match, then commit the image patches. Nothing is written to disk
// until every step up through signature derivation has succeeded.
package patcher

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/rpe/pkg/pdb"
	"github.com/provide-io/rpe/pkg/pe"
	"github.com/provide-io/rpe/pkg/rpeerrors"
)

// PatchImage rewrites imagePath's timestamps, checksum, and (if a
// CodeView debug entry is present) its CV_INFO_PDB70 signature/age, in
// place. If pdbPath is non-empty the image must carry a CodeView entry;
// the referenced PDB is verified to already match the image's current
// signature/age and rewritten to the new ones before the image patches
// are committed, so a crash between the two steps never leaves the PDB
// referencing a signature the image no longer carries.
//
// With dryRun set, every field is still resolved, validated, and
// logged, but neither file is modified.
func PatchImage(imagePath, pdbPath string, dryRun bool, logger hclog.Logger) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	mm, err := pe.OpenMemMap(imagePath, dryRun, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := mm.Close(); cerr != nil {
			logger.Error("closing mapped image", "error", cerr)
		}
	}()

	view, err := pe.Open(mm.Bytes())
	if err != nil {
		return err
	}
	logger.Info("opened image", "path", imagePath, "variant", view.Variant())

	patches := pe.NewPatchSet(mm.Bytes())

	patches.Add(view.TimeDateStampOffset(), view.TimestampBytes(), "file_header.timestamp")
	patches.Add(view.CheckSumOffset(), view.TimestampBytes(), "optional_header.checksum")

	if view.HasDataDir(pe.DirExport) {
		dirOff, _, err := view.DataDir(pe.DirExport)
		if err != nil {
			return err
		}
		patches.Add(pe.ExportDirTimeDateStampOffset(dirOff), view.TimestampBytes(), "export_dir.timestamp")
	}

	if view.HasDataDir(pe.DirResource) {
		dirOff, _, err := view.DataDir(pe.DirResource)
		if err != nil {
			return err
		}
		patches.Add(pe.ResourceDirTimeDateStampOffset(dirOff), view.TimestampBytes(), "resource_dir.timestamp")
	}

	var codeView *pe.CvInfoPDB70
	if view.HasDataDir(pe.DirDebug) {
		entries, err := view.DebugEntries()
		if err != nil {
			return err
		}
		for i, entry := range entries {
			if entry.TimeDateStamp != 0 {
				patches.Add(entry.TimeDateStampOffset(), view.TimestampBytes(), fmt.Sprintf("debug_entry[%d].timestamp", i))
			}
			if entry.Type != pe.DebugTypeCodeView {
				continue
			}
			if codeView != nil {
				return fmt.Errorf("%w: found multiple CodeView debug entries", rpeerrors.ErrInvalidImage)
			}
			cv, err := view.ReadCvInfoPDB70(int64(entry.PointerToRawData), entry.SizeOfData)
			if err != nil {
				return err
			}
			patches.Add(cv.SignatureOffset(), view.PdbSignatureBytes(), fmt.Sprintf("debug_entry[%d].cv_info.signature", i))
			patches.Add(cv.AgeOffset(), view.PdbAgeBytes(), fmt.Sprintf("debug_entry[%d].cv_info.age", i))
			codeView = &cv
		}
	}

	if pdbPath != "" && codeView == nil {
		return fmt.Errorf("%w: pdb path given but image has no CodeView debug entry", rpeerrors.ErrInvalidImage)
	}

	if err := patches.Sort(); err != nil {
		return err
	}

	signature := pe.SkipChecksum(mm.Bytes(), patches.Patches())
	copy(view.PdbSignature[:], signature[:])
	logger.Debug("computed signature", "signature", fmt.Sprintf("%x", signature))

	if pdbPath != "" {
		logger.Info("rewriting pdb", "path", pdbPath)
		if err := pdb.Rewrite(pdbPath, codeView.Signature, codeView.Age, view.TimestampConst, view.PdbAge, signature, dryRun, logger); err != nil {
			return err
		}
	}

	if err := patches.Commit(dryRun, logger); err != nil {
		return err
	}

	logger.Info("patched image", "path", imagePath, "patches", patches.Len(), "dry_run", dryRun)
	return nil
}
