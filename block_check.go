package blockclique

import (
	"fmt"
)

// checkBlock performs the checks of a block that don't depend on the graph.
func checkBlock(cfg *Config, id BlockID, block *Block) error {
	if block == nil || block.Header == nil {
		return fmt.Errorf("%w: block %s has no header", ErrValidation, id)
	}
	hdr := block.Header

	// the header must hash to the claimed ID
	headerID, err := hdr.ID()
	if err != nil {
		return err
	}
	if headerID != id {
		return fmt.Errorf("%w: block ID mismatch, claimed %s, computed %s", ErrValidation, id, headerID)
	}

	// genesis blocks are never received
	if hdr.Kind != NORMAL_BLOCK {
		return fmt.Errorf("%w: block %s has kind %q", ErrValidation, id, hdr.Kind)
	}

	// sanity check slot
	if hdr.Slot.Thread >= cfg.ThreadCount {
		return fmt.Errorf("%w: thread %d out of range, block %s", ErrValidation, hdr.Slot.Thread, id)
	}
	if hdr.Slot.Period == 0 {
		return fmt.Errorf("%w: non-genesis block %s at period 0", ErrValidation, id)
	}

	// one parent per thread
	if len(hdr.Parents) != int(cfg.ThreadCount) {
		return fmt.Errorf("%w: block %s has %d parents, expected %d",
			ErrValidation, id, len(hdr.Parents), cfg.ThreadCount)
	}

	// creator signature
	if !block.Verify(id) {
		return fmt.Errorf("%w: signature verification failed for block %s", ErrValidation, id)
	}

	// sanity check operation count
	if hdr.OperationCount < 0 || int(hdr.OperationCount) != len(block.Operations) {
		return fmt.Errorf("%w: operation count in header doesn't match block %s", ErrValidation, id)
	}
	if len(block.Operations) > cfg.MaxOperationsPerBlock {
		return fmt.Errorf("%w: block %s contains too many operations %d, max: %d",
			ErrValidation, id, len(block.Operations), cfg.MaxOperationsPerBlock)
	}

	// endorsements all vote for the own thread parent
	if len(hdr.Endorsements) > int(cfg.EndorsementCount) {
		return fmt.Errorf("%w: block %s contains too many endorsements %d, max: %d",
			ErrValidation, id, len(hdr.Endorsements), cfg.EndorsementCount)
	}
	indexes := make(map[uint32]bool)
	for _, e := range hdr.Endorsements {
		if e == nil {
			return fmt.Errorf("%w: nil endorsement in block %s", ErrValidation, id)
		}
		if e.Index >= cfg.EndorsementCount {
			return fmt.Errorf("%w: endorsement index %d out of range, block %s", ErrValidation, e.Index, id)
		}
		if indexes[e.Index] {
			return fmt.Errorf("%w: duplicate endorsement index %d in block %s", ErrValidation, e.Index, id)
		}
		indexes[e.Index] = true
		if e.EndorsedBlock != hdr.Parents[hdr.Slot.Thread] {
			return fmt.Errorf("%w: endorsement %d of block %s doesn't endorse its parent",
				ErrValidation, e.Index, id)
		}
		ok, err := e.Verify()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: signature verification failed for endorsement %d of block %s",
				ErrValidation, e.Index, id)
		}
	}

	// basic operation checks that don't depend on context
	opIDs := make(map[OperationID]bool)
	var gas uint64
	for _, op := range block.Operations {
		if op == nil {
			return fmt.Errorf("%w: nil operation in block %s", ErrValidation, id)
		}
		opID, err := op.ID()
		if err != nil {
			return err
		}
		if err := checkOperation(cfg, opID, op); err != nil {
			return err
		}
		if op.Sender().Thread(cfg.ThreadCount) != hdr.Slot.Thread {
			return fmt.Errorf("%w: operation %s sent from thread %d included in thread %d, block %s",
				ErrValidation, opID, op.Sender().Thread(cfg.ThreadCount), hdr.Slot.Thread, id)
		}
		if !op.IsValidInPeriod(hdr.Slot.Period, cfg.OperationValidityPeriods) {
			return fmt.Errorf("%w: operation %s expiring at %d not includable at period %d, block %s",
				ErrValidation, opID, op.ExpirePeriod, hdr.Slot.Period, id)
		}
		opIDs[opID] = true
		var ok bool
		if gas, ok = addAmount(gas, op.Gas()); !ok {
			return fmt.Errorf("%w: gas overflow in block %s", ErrValidation, id)
		}
	}

	// check for duplicate operations
	if len(opIDs) != len(block.Operations) {
		return fmt.Errorf("%w: duplicate operation in block %s", ErrValidation, id)
	}

	if gas > cfg.MaxGasPerBlock {
		return fmt.Errorf("%w: block %s declares %d gas, max: %d", ErrValidation, id, gas, cfg.MaxGasPerBlock)
	}

	// verify operations hash
	opsHash, err := computeOperationsHash(block.Operations)
	if err != nil {
		return err
	}
	if opsHash != hdr.OperationsHash {
		return fmt.Errorf("%w: operations hash mismatch for block %s", ErrValidation, id)
	}
	return nil
}

// checkOperation performs the checks of an operation that don't depend on any state.
func checkOperation(cfg *Config, id OperationID, op *Operation) error {
	if err := op.CheckStructure(); err != nil {
		return fmt.Errorf("%w, operation %s", err, id)
	}
	if op.Gas() > cfg.MaxGasPerBlock {
		return fmt.Errorf("%w: operation %s declares %d gas, max: %d",
			ErrValidation, id, op.Gas(), cfg.MaxGasPerBlock)
	}
	ok, err := op.Verify()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: signature verification failed for operation %s", ErrValidation, id)
	}
	return nil
}
