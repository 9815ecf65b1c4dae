package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"residenthub/backend/internal/api/handler"
	"residenthub/backend/internal/chat"
	"residenthub/backend/internal/config"
	"residenthub/backend/internal/models"
	"residenthub/backend/internal/storage"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const usage = `Usage: admin <command> [args]

Commands:
  resident <username> <first_name> <last_name> <apartment> <building_id,...>
  direct <user_a> <user_b>
  group <name> <creator_id> [member_id...]
  rooms <user_id>
  token <resident_id> [ttl_hours]`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	command, args := os.Args[1], os.Args[2:]
	if command == "token" {
		runToken(cfg, args)
		return
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect database")
	}
	if err := storage.Migrate(db); err != nil {
		logrus.WithError(err).Fatal("Failed to run migrations")
	}
	storageSvc := storage.NewStorageService(db)
	rooms := chat.NewRoomService(storageSvc)
	ctx := context.Background()

	switch command {
	case "resident":
		if len(args) != 5 {
			fmt.Println("Usage: admin resident <username> <first_name> <last_name> <apartment> <building_id,...>")
			os.Exit(1)
		}
		resident := &models.Resident{
			Username:        args[0],
			FirstName:       args[1],
			LastName:        args[2],
			ApartmentNumber: args[3],
			BuildingIDs:     pq.StringArray(splitList(args[4])),
		}
		if err := storageSvc.SaveResident(ctx, resident); err != nil {
			logrus.WithError(err).Fatal("Error saving resident")
		}
		fmt.Printf("Resident %s created with id %s.\n", resident.Username, resident.ID)
	case "direct":
		if len(args) != 2 {
			fmt.Println("Usage: admin direct <user_a> <user_b>")
			os.Exit(1)
		}
		room, err := rooms.CreateDirectRoom(ctx, args[0], args[1])
		if err != nil {
			logrus.WithError(err).Fatal("Error creating direct room")
		}
		fmt.Printf("Direct room %s between %s.\n", room.ID, strings.Join(room.MemberIDs(), " and "))
	case "group":
		if len(args) < 2 {
			fmt.Println("Usage: admin group <name> <creator_id> [member_id...]")
			os.Exit(1)
		}
		room, err := rooms.CreateGroupRoom(ctx, args[0], args[1], args[2:])
		if err != nil {
			logrus.WithError(err).Fatal("Error creating group room")
		}
		fmt.Printf("Group room %s (%s) with %d members.\n", room.ID, room.Name, len(room.Members))
	case "rooms":
		if len(args) != 1 {
			fmt.Println("Usage: admin rooms <user_id>")
			os.Exit(1)
		}
		list, err := rooms.ListRooms(ctx, args[0])
		if err != nil {
			logrus.WithError(err).Fatal("Error listing rooms")
		}
		for _, r := range list {
			fmt.Printf("%s\t%s\t%s\t%s\n", r.ID, r.RoomType, r.Name, strings.Join(r.MemberIDs(), ","))
		}
	default:
		fmt.Println("Unknown command")
		fmt.Println(usage)
		os.Exit(1)
	}
}

func runToken(cfg *config.Config, args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Println("Usage: admin token <resident_id> [ttl_hours]")
		os.Exit(1)
	}
	var ttl time.Duration
	if len(args) == 2 {
		hours, err := strconv.Atoi(args[1])
		if err != nil || hours <= 0 {
			fmt.Println("Invalid ttl. Please provide a positive number of hours.")
			os.Exit(1)
		}
		ttl = time.Duration(hours) * time.Hour
	}
	token, err := handler.GenerateToken([]byte(cfg.JWTSecret), args[0], ttl)
	if err != nil {
		logrus.WithError(err).Fatal("Error signing token")
	}
	fmt.Println(token)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
