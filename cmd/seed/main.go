// Command seed populates the forum with demo data.
package main

import (
	"context"
	"flag"
	"log"

	"forum/internal/bootstrap"
	"forum/internal/config"
	"forum/internal/observability"
	"forum/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 20, "Number of users to create")
	numPosts := flag.Int("posts", 60, "Number of posts to create")
	comments := flag.Int("comments", 3, "Comments per post")
	votes := flag.Int("votes", 5, "Distinct voters per post")
	seedValue := flag.Int64("seed", 0, "Random seed (0 = time based)")
	flag.Parse()

	log.Println("Forum Seeder")
	log.Printf("Target: %d users, %d posts, %d comments and %d votes per post\n", *numUsers, *numPosts, *comments, *votes)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("Refusing to seed a production environment")
	}
	observability.ConfigureLogger(cfg.Env)

	ctx := context.Background()
	rt, err := bootstrap.InitRuntime(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer rt.Close()

	summary, err := seed.NewSeeder(rt.Services, seed.Options{
		Users:           *numUsers,
		Posts:           *numPosts,
		CommentsPerPost: *comments,
		VotesPerPost:    *votes,
		Seed:            *seedValue,
	}).Run(ctx)
	if err != nil {
		log.Fatalf("Seeding failed after %+v: %v", *summary, err)
	}

	log.Printf("All done: %d users, %d posts, %d comments, %d votes, %d bookmarks",
		summary.Users, summary.Posts, summary.Comments, summary.Votes, summary.Bookmarks)
}
