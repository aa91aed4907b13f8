package manifest

// ClassifyAgainstPrior walks the live (current) manifest's files and marks
// each as a Reference (bytes reused from prior) or leaves it for Copy,
// per spec §4.E's diff/incr rule. delta controls whether sha1 equality
// (when available) can also qualify a reference, in addition to the
// size+modifyTime rule that always applies.
func ClassifyAgainstPrior(live *Manifest, prior *Manifest, delta bool) {
	for name, f := range live.Files {
		pf, ok := prior.Files[name]
		if !ok {
			continue // new file: Copy
		}

		sameSizeAndTime := f.Size == pf.Size && f.Timestamp.Equal(pf.Timestamp)
		sameSha1 := delta && f.Sha1 != "" && pf.Sha1 != "" && f.Sha1 == pf.Sha1

		if sameSizeAndTime || sameSha1 {
			f.Reference = priorOwner(pf, prior)
			f.SizeRepo = 0
			live.Files[name] = f
		}
	}
}

// priorOwner returns the backup label that actually owns a file's bytes:
// its own backup if it wasn't itself a reference, otherwise the backup it
// in turn referenced (references never chain past their real owner).
func priorOwner(pf FileInfo, prior *Manifest) string {
	if pf.Reference != "" {
		return pf.Reference
	}
	return prior.Data.BackupLabel
}
