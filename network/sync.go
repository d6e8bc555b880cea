package network

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duskchain/duskchain/core"
)

// Bounds on the download-loop peer protocol (spec §4.2, §6).
const (
	// milestoneCap bounds a single getMilestoneBlockIds response; a longer
	// list is a protocol violation (spec §4.2 step 3).
	milestoneCap = 20
	// nextIDsCap / nextBlocksCap bound getNextBlockIds / getNextBlocks
	// responses (spec §6).
	nextIDsCap    = 1440
	nextBlocksCap = 1440
	// maxForkDepth rejects a common ancestor further back than this from the
	// head (spec §4.2 step 5, "deep fork protection").
	maxForkDepth = 720
	// maxFetchRounds / maxFetchBlocks bound a single download-loop tick's
	// fetch loop (spec §4.2 step 6).
	maxFetchRounds = 10
	maxFetchBlocks = 1440

	// peerRequestTimeout bounds how long a single synchronous peer-protocol
	// exchange may take before the round gives up on that peer.
	peerRequestTimeout = 10 * time.Second

	// downloadLoopInterval is the download loop's scheduling cadence (spec
	// §4.2 "a 1-second cadence", §5 "1 Hz").
	downloadLoopInterval = 1 * time.Second
)

// Wire payloads for the peer protocol consumed by the download loop (spec §6
// "Peer protocol (consumed)").

type cumulativeDifficultyResponse struct {
	CumulativeDifficulty string `json:"cumulativeDifficulty"`
	BlockchainHeight     int64  `json:"blockchainHeight"`
}

type milestoneBlockIdsRequest struct {
	LastBlockId          string `json:"lastBlockId,omitempty"`
	LastMilestoneBlockId string `json:"lastMilestoneBlockId,omitempty"`
}

type milestoneBlockIdsResponse struct {
	MilestoneBlockIds []string `json:"milestoneBlockIds"`
	Last              bool     `json:"last,omitempty"`
}

type nextBlockIdsRequest struct {
	BlockId string `json:"blockId"`
}

type nextBlockIdsResponse struct {
	NextBlockIds []string `json:"nextBlockIds"`
}

type nextBlocksRequest struct {
	BlockId string `json:"blockId"`
}

type nextBlocksResponse struct {
	NextBlocks []*core.Block `json:"nextBlocks"`
}

// Syncer drives the download loop (spec §4.2): for each tick it picks a
// random connected peer, bisects toward a common ancestor via the milestone
// and forward walks, fetches whatever the local chain is missing, and hands
// any divergent batch to the Fork Reconciler (core.Blockchain.ProcessFork).
// It is also the server side of the same peer protocol, answering another
// node's download loop against this node's chain.
type Syncer struct {
	node *Node
	bc   *core.Blockchain

	getMoreBlocks int32 // atomic bool, see SetGetMoreBlocks

	feederMu     sync.Mutex
	feederID     string
	feederHeight int64
}

// NewSyncer creates a Syncer wired to bc and registers its inbound handlers.
func NewSyncer(node *Node, bc *core.Blockchain) *Syncer {
	s := &Syncer{node: node, bc: bc}
	atomic.StoreInt32(&s.getMoreBlocks, 1)
	node.Handle(MsgGetCumulativeDifficulty, s.handleGetCumulativeDifficulty)
	node.Handle(MsgGetMilestoneBlockIds, s.handleGetMilestoneBlockIds)
	node.Handle(MsgGetNextBlockIds, s.handleGetNextBlockIds)
	node.Handle(MsgGetNextBlocks, s.handleGetNextBlocks)
	node.Handle(MsgBlock, s.handleGossipBlock)
	return s
}

// SetGetMoreBlocks toggles whether RunDownloadLoop attempts a sync round on
// its next ticks (spec §6 "setGetMoreBlocks(bool)"). Only the RPC
// setGetMoreBlocks method calls it; Blockchain.Scan and FullReset do not
// toggle it, so the download loop keeps running during a rescan.
func (s *Syncer) SetGetMoreBlocks(on bool) {
	v := int32(0)
	if on {
		v = 1
	}
	atomic.StoreInt32(&s.getMoreBlocks, v)
}

// GetMoreBlocks reports whether the download loop is currently enabled.
func (s *Syncer) GetMoreBlocks() bool {
	return atomic.LoadInt32(&s.getMoreBlocks) != 0
}

// RunDownloadLoop runs the download loop at a 1-second cadence until done is
// closed (spec §4.2, §5 "one dedicated single-threaded executor ... at a 1Hz
// cadence"). Intended to run on its own goroutine for the node's lifetime.
func (s *Syncer) RunDownloadLoop(done <-chan struct{}) {
	ticker := time.NewTicker(downloadLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !s.GetMoreBlocks() {
				continue
			}
			peer := s.node.RandomAnnouncedPeer()
			if peer == nil {
				continue
			}
			if err := s.SyncWithPeer(peer); err != nil {
				log.Printf("[sync] round with peer %s: %v", peer.ID, err)
			}
		}
	}
}

// LastBlockchainFeeder returns the id of the peer the download loop most
// recently synced from (spec §6 "getLastBlockchainFeeder").
func (s *Syncer) LastBlockchainFeeder() string {
	s.feederMu.Lock()
	defer s.feederMu.Unlock()
	return s.feederID
}

// LastBlockchainFeederHeight returns that peer's self-reported height as of
// the last sync round (spec §6 "getLastBlockchainFeederHeight").
func (s *Syncer) LastBlockchainFeederHeight() int64 {
	s.feederMu.Lock()
	defer s.feederMu.Unlock()
	return s.feederHeight
}

func (s *Syncer) setFeeder(peerID string, height int64) {
	s.feederMu.Lock()
	s.feederID = peerID
	s.feederHeight = height
	s.feederMu.Unlock()
}

// SyncWithPeer runs one full download-loop round against peer: the
// cumulative-difficulty gate, milestone walk, forward walk, deep-fork
// rejection, and fetch loop (spec §4.2 steps 2-6), handing any fork
// candidates to the Fork Reconciler (step 7).
func (s *Syncer) SyncWithPeer(peer *Peer) error {
	tip := s.bc.Tip()
	if tip == nil {
		return fmt.Errorf("no local tip")
	}

	peerHeight, ahead, err := s.checkCumulativeDifficulty(peer, tip)
	if err != nil {
		return err
	}
	if !ahead {
		return nil
	}

	ancestorID, ancestorHeight, err := s.milestoneWalk(peer, tip)
	if err != nil {
		return err
	}
	ancestorID, ancestorHeight, err = s.forwardWalk(peer, ancestorID, ancestorHeight)
	if err != nil {
		return err
	}

	if tip.Height-ancestorHeight > maxForkDepth {
		peer.Blacklist(fmt.Sprintf("common ancestor %d blocks behind head exceeds deep-fork cap %d", tip.Height-ancestorHeight, maxForkDepth))
		return fmt.Errorf("peer %s: common ancestor too far behind head", peer.ID)
	}

	_, forkCandidates, err := s.fetchLoop(peer, ancestorID)
	if err != nil {
		return err
	}

	s.setFeeder(peer.ID, peerHeight)

	if len(forkCandidates) == 0 {
		return nil
	}
	if err := s.bc.ProcessFork(ancestorHeight, forkCandidates); err != nil {
		if kind, ok := core.KindOf(err); ok && kind == core.KindNotAccepted {
			peer.Blacklist(fmt.Sprintf("fork reconciliation from height %d: %v", ancestorHeight, err))
		}
		return fmt.Errorf("fork reconciliation from height %d: %w", ancestorHeight, err)
	}
	return nil
}

// checkCumulativeDifficulty requests peer's cumulative difficulty and head
// height. ahead is false when the peer is not ahead of the local tip, in
// which case the round ends here without fault (spec §4.2 step 2).
func (s *Syncer) checkCumulativeDifficulty(peer *Peer, tip *core.Block) (peerHeight int64, ahead bool, err error) {
	reply, err := peer.Request(Message{Type: MsgGetCumulativeDifficulty}, peerRequestTimeout)
	if err != nil {
		return 0, false, err
	}
	var resp cumulativeDifficultyResponse
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		peer.Blacklist("malformed getCumulativeDifficulty response")
		return 0, false, fmt.Errorf("peer %s: malformed getCumulativeDifficulty response", peer.ID)
	}
	peerDiff := &core.Difficulty{}
	if _, ok := peerDiff.Int.SetString(resp.CumulativeDifficulty, 10); !ok {
		peer.Blacklist("non-numeric cumulativeDifficulty")
		return 0, false, fmt.Errorf("peer %s: non-numeric cumulativeDifficulty %q", peer.ID, resp.CumulativeDifficulty)
	}
	if peerDiff.Cmp(&tip.CumulativeDifficulty) <= 0 {
		return resp.BlockchainHeight, false, nil
	}
	return resp.BlockchainHeight, true, nil
}

// milestoneWalk bisects toward a common ancestor by repeatedly requesting
// getMilestoneBlockIds: the first request sends the local head id,
// subsequent requests send the last milestone id received; each response is
// oldest-first, and the first id found locally is the candidate ancestor
// (spec §4.2 step 3). Falls back to genesis if the peer shares nothing.
func (s *Syncer) milestoneWalk(peer *Peer, tip *core.Block) (string, int64, error) {
	req := milestoneBlockIdsRequest{LastBlockId: tip.ID}
	first := true

	for {
		payload, err := json.Marshal(req)
		if err != nil {
			return "", 0, err
		}
		reply, err := peer.Request(Message{Type: MsgGetMilestoneBlockIds, Payload: payload}, peerRequestTimeout)
		if err != nil {
			return "", 0, err
		}
		var resp milestoneBlockIdsResponse
		if err := json.Unmarshal(reply.Payload, &resp); err != nil {
			peer.Blacklist("malformed getMilestoneBlockIds response")
			return "", 0, fmt.Errorf("peer %s: malformed getMilestoneBlockIds response", peer.ID)
		}
		if len(resp.MilestoneBlockIds) > milestoneCap {
			peer.Blacklist(fmt.Sprintf("milestoneBlockIds list length %d exceeds cap %d", len(resp.MilestoneBlockIds), milestoneCap))
			return "", 0, fmt.Errorf("peer %s: milestoneBlockIds list too long", peer.ID)
		}
		if len(resp.MilestoneBlockIds) == 0 {
			break
		}
		for _, id := range resp.MilestoneBlockIds {
			if block, err := s.bc.GetBlock(id); err == nil {
				return block.ID, block.Height, nil
			}
		}
		if resp.Last {
			break
		}
		req = milestoneBlockIdsRequest{LastMilestoneBlockId: resp.MilestoneBlockIds[len(resp.MilestoneBlockIds)-1]}
		first = false
	}
	_ = first

	genesis, err := s.bc.GetBlockByHeight(0)
	if err != nil {
		return "", 0, fmt.Errorf("load genesis: %w", err)
	}
	return genesis.ID, genesis.Height, nil
}

// forwardWalk refines the candidate ancestor by requesting getNextBlockIds
// from it and advancing through every id that still exists locally; the
// first missing id's predecessor is the refined ancestor (spec §4.2 step 4).
func (s *Syncer) forwardWalk(peer *Peer, ancestorID string, ancestorHeight int64) (string, int64, error) {
	curID, curHeight := ancestorID, ancestorHeight
	for {
		payload, err := json.Marshal(nextBlockIdsRequest{BlockId: curID})
		if err != nil {
			return curID, curHeight, err
		}
		reply, err := peer.Request(Message{Type: MsgGetNextBlockIds, Payload: payload}, peerRequestTimeout)
		if err != nil {
			return curID, curHeight, err
		}
		var resp nextBlockIdsResponse
		if err := json.Unmarshal(reply.Payload, &resp); err != nil {
			peer.Blacklist("malformed getNextBlockIds response")
			return curID, curHeight, fmt.Errorf("peer %s: malformed getNextBlockIds response", peer.ID)
		}
		if len(resp.NextBlockIds) > nextIDsCap {
			peer.Blacklist(fmt.Sprintf("nextBlockIds list length %d exceeds cap %d", len(resp.NextBlockIds), nextIDsCap))
			return curID, curHeight, fmt.Errorf("peer %s: nextBlockIds list too long", peer.ID)
		}
		if len(resp.NextBlockIds) == 0 {
			return curID, curHeight, nil
		}
		for _, id := range resp.NextBlockIds {
			block, err := s.bc.GetBlock(id)
			if err != nil {
				return curID, curHeight, nil
			}
			curID, curHeight = block.ID, block.Height
		}
		if len(resp.NextBlockIds) < nextIDsCap {
			return curID, curHeight, nil
		}
	}
}

// fetchLoop requests getNextBlocks starting at cursor for up to
// maxFetchRounds rounds or maxFetchBlocks blocks, pushing blocks whose
// predecessor is the current head directly and accumulating the rest as
// fork candidates (spec §4.2 step 6).
func (s *Syncer) fetchLoop(peer *Peer, cursor string) (int, []*core.Block, error) {
	pushedCount := 0
	var forkCandidates []*core.Block

	for round := 0; round < maxFetchRounds; round++ {
		if pushedCount+len(forkCandidates) >= maxFetchBlocks {
			break
		}
		payload, err := json.Marshal(nextBlocksRequest{BlockId: cursor})
		if err != nil {
			return pushedCount, forkCandidates, err
		}
		reply, err := peer.Request(Message{Type: MsgGetNextBlocks, Payload: payload}, peerRequestTimeout)
		if err != nil {
			return pushedCount, forkCandidates, fmt.Errorf("getNextBlocks: %w", err)
		}
		var resp nextBlocksResponse
		if err := json.Unmarshal(reply.Payload, &resp); err != nil {
			peer.Blacklist("malformed getNextBlocks response")
			return pushedCount, forkCandidates, fmt.Errorf("peer %s: malformed getNextBlocks response", peer.ID)
		}
		if len(resp.NextBlocks) == 0 {
			break
		}

		softStop := false
		for _, block := range resp.NextBlocks {
			tip := s.bc.Tip()
			if tip != nil && block.PreviousBlockID == tip.ID {
				if err := s.bc.PushBlock(block); err != nil {
					if kind, ok := core.KindOf(err); ok && kind == core.KindNotCurrentlyValid {
						softStop = true
						break
					}
					peer.Blacklist(fmt.Sprintf("block %s rejected: %v", block.ID, err))
					return pushedCount, forkCandidates, fmt.Errorf("peer %s: block %s rejected: %w", peer.ID, block.ID, err)
				}
				pushedCount++
				cursor = block.ID
				continue
			}
			if _, err := s.bc.GetBlock(block.ID); err != nil {
				forkCandidates = append(forkCandidates, block)
			}
			cursor = block.ID
		}
		if softStop || len(resp.NextBlocks) < nextBlocksCap {
			break
		}
	}
	return pushedCount, forkCandidates, nil
}

// ---- server side: answering another node's download loop ----

func (s *Syncer) reply(peer *Peer, req Message, typ MsgType, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: typ, ReqID: req.ReqID, Payload: data})
}

func (s *Syncer) handleGetCumulativeDifficulty(peer *Peer, msg Message) {
	tip := s.bc.Tip()
	if tip == nil {
		return
	}
	s.reply(peer, msg, MsgCumulativeDifficulty, cumulativeDifficultyResponse{
		CumulativeDifficulty: tip.CumulativeDifficulty.Int.String(),
		BlockchainHeight:     tip.Height,
	})
}

// milestoneIDsFrom returns up to milestoneCap block ids walking backward
// from startHeight toward genesis with exponentially increasing spacing
// (Glossary "Milestone block ids"), oldest-first, plus whether the walk
// reached genesis.
func (s *Syncer) milestoneIDsFrom(startHeight int64) ([]string, bool) {
	var heights []int64
	step := int64(1)
	h := startHeight
	for len(heights) < milestoneCap && h >= 0 {
		heights = append(heights, h)
		if h == 0 {
			break
		}
		h -= step
		if h < 0 {
			h = 0
		}
		step *= 2
	}
	reachedGenesis := len(heights) > 0 && heights[len(heights)-1] == 0

	ids := make([]string, 0, len(heights))
	for i := len(heights) - 1; i >= 0; i-- { // oldest first
		block, err := s.bc.GetBlockByHeight(heights[i])
		if err != nil {
			continue
		}
		ids = append(ids, block.ID)
	}
	return ids, reachedGenesis
}

func (s *Syncer) handleGetMilestoneBlockIds(peer *Peer, msg Message) {
	var req milestoneBlockIdsRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	startHeight := s.bc.Height()
	switch {
	case req.LastMilestoneBlockId != "":
		if b, err := s.bc.GetBlock(req.LastMilestoneBlockId); err == nil {
			startHeight = b.Height
		}
	case req.LastBlockId != "":
		if b, err := s.bc.GetBlock(req.LastBlockId); err == nil {
			startHeight = b.Height
		}
	}
	ids, last := s.milestoneIDsFrom(startHeight)
	s.reply(peer, msg, MsgMilestoneBlockIds, milestoneBlockIdsResponse{MilestoneBlockIds: ids, Last: last})
}

func (s *Syncer) handleGetNextBlockIds(peer *Peer, msg Message) {
	var req nextBlockIdsRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	from, err := s.bc.GetBlock(req.BlockId)
	if err != nil {
		s.reply(peer, msg, MsgNextBlockIds, nextBlockIdsResponse{})
		return
	}
	var ids []string
	for h := from.Height + 1; len(ids) < nextIDsCap; h++ {
		b, err := s.bc.GetBlockByHeight(h)
		if err != nil {
			break
		}
		ids = append(ids, b.ID)
	}
	s.reply(peer, msg, MsgNextBlockIds, nextBlockIdsResponse{NextBlockIds: ids})
}

func (s *Syncer) handleGetNextBlocks(peer *Peer, msg Message) {
	var req nextBlocksRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	from, err := s.bc.GetBlock(req.BlockId)
	if err != nil {
		s.reply(peer, msg, MsgNextBlocks, nextBlocksResponse{})
		return
	}
	var blocks []*core.Block
	for h := from.Height + 1; len(blocks) < nextBlocksCap; h++ {
		b, err := s.bc.GetBlockByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
	}
	s.reply(peer, msg, MsgNextBlocks, nextBlocksResponse{NextBlocks: blocks})
}

// handleGossipBlock accepts an unsolicited single-block broadcast
// (Node.BroadcastBlock) when it extends the local head directly; anything
// else is left for the download loop's milestone/fetch walk to reconcile.
func (s *Syncer) handleGossipBlock(_ *Peer, msg Message) {
	var block core.Block
	if err := json.Unmarshal(msg.Payload, &block); err != nil {
		return
	}
	tip := s.bc.Tip()
	if tip == nil || block.PreviousBlockID != tip.ID {
		return
	}
	if err := s.bc.PushBlock(&block); err != nil {
		log.Printf("[sync] gossiped block %d (%s) rejected: %v", block.Height, block.ID, err)
	}
}
