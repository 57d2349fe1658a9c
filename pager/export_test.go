package pager

// crash drops the pager without checkpointing, leaving the journal as a
// killed process would.
func (p *Pager) crash() {
	p.closed.Store(true)
	p.journal.Close()
	p.file.Close()
	p.lockFile.Close()
}
