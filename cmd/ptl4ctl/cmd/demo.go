package cmd

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/musleh123/portals4/conn"
	"github.com/musleh123/portals4/handle"
	"github.com/musleh123/portals4/log"
	"github.com/musleh123/portals4/match"
	"github.com/musleh123/portals4/ni"
	"github.com/musleh123/portals4/param"
	"github.com/musleh123/portals4/wire"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "demo",
		Short: "Boot a two-rank loopback pair and run a Put against it",
		Long:  "demo starts a target NI and an initiator NI, each listening on its own loopback port, appends a matching list entry on the target, and issues a Put from the initiator, printing the resulting event and CT state.",
		RunE:  runDemo,
	})
}

func jobUID(nid uint32) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], nid)
	return u
}

func listenLoopback() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func runDemo(cmd *cobra.Command, args []string) error {
	logger, err := log.New(logLevel)
	if err != nil {
		return fmt.Errorf("ptl4ctl: build logger: %w", err)
	}

	targetListener, err := listenLoopback()
	if err != nil {
		return fmt.Errorf("ptl4ctl: listen (target): %w", err)
	}
	initiatorListener, err := listenLoopback()
	if err != nil {
		return fmt.Errorf("ptl4ctl: listen (initiator): %w", err)
	}

	targetPeer := conn.PeerID{Rank: 0, NID: 1, PID: 0}
	initiatorPeer := conn.PeerID{Rank: 0, NID: 2, PID: 0}

	target, err := ni.PtlNIInit(ni.Config{
		Index: 0, Logical: false, RDMAEnabled: true,
		Listener: targetListener, Logger: logger, Params: param.Defaults(),
		JobUID: jobUID(targetPeer.NID),
	})
	if err != nil {
		return fmt.Errorf("ptl4ctl: init target NI: %w", err)
	}
	defer target.PtlNIFini()

	initiator, err := ni.PtlNIInit(ni.Config{
		Index: 1, Logical: false, RDMAEnabled: true,
		Listener: initiatorListener, Logger: logger, Params: param.Defaults(),
		JobUID: jobUID(initiatorPeer.NID),
	})
	if err != nil {
		return fmt.Errorf("ptl4ctl: init initiator NI: %w", err)
	}
	defer initiator.PtlNIFini()

	initiator.PtlSetMap(0, targetPeer, targetListener.Addr().String())

	eq, err := target.PtlEQAlloc(16)
	if err != nil {
		return fmt.Errorf("ptl4ctl: alloc target eq: %w", err)
	}
	ct, err := target.PtlCTAlloc()
	if err != nil {
		return fmt.Errorf("ptl4ctl: alloc target ct: %w", err)
	}
	pt, err := target.PtlPTAlloc(eq)
	if err != nil {
		return fmt.Errorf("ptl4ctl: alloc pt: %w", err)
	}
	if err := target.PtlPTEnable(pt); err != nil {
		return fmt.Errorf("ptl4ctl: enable pt: %w", err)
	}

	region := make([]byte, 64)
	if _, err := target.PtlMEAppend(pt, region, ni.AppendOptions{
		AnyID:       true,
		Permissions: match.PermPut | match.PermGet | match.PermAtomic,
		CT:          ct,
	}, false, false); err != nil {
		return fmt.Errorf("ptl4ctl: append me: %w", err)
	}

	payload := []byte("hello from ptl4ctl")
	md, err := initiator.PtlMDBind(payload, handle.Invalid, handle.Invalid)
	if err != nil {
		return fmt.Errorf("ptl4ctl: bind md: %w", err)
	}

	printf("target listening on %s, initiator listening on %s\n",
		targetListener.Addr(), initiatorListener.Addr())

	if _, err := initiator.PtlPut(ni.PutArgs{
		Target: targetPeer, MD: md, Length: uint64(len(payload)),
		PTIndex: pt, AckReq: wire.AckNone,
	}); err != nil {
		return fmt.Errorf("ptl4ctl: put: %w", err)
	}

	success, failure, err := target.PtlCTWait(ct, 1)
	if err != nil {
		return fmt.Errorf("ptl4ctl: wait ct: %w", err)
	}
	printf("target ct after put: success=%d failure=%d\n", success, failure)

	rec, err := target.PtlEQWait(eq)
	if err != nil {
		return fmt.Errorf("ptl4ctl: wait eq: %w", err)
	}
	printf("target event: type=%v mlength=%d offset=%d\n", rec.Type, rec.MLength, rec.Offset)
	printf("matched region: %q\n", region[:rec.MLength])
	return nil
}
